// Package history records optimization runs and their trials in SQLite.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/tebeka/atexit"
)

// Run outcomes
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

var ErrClosed = errors.New("history recorder is closed")

// RunRecord is one optimization run or one-shot evaluation
type RunRecord struct {
	ID               string
	Session          string
	StartedAt        time.Time
	FinishedAt       time.Time
	Outcome          string
	BestSatisfaction float64
	Evaluations      int
	Error            string
}

// ScoreRecord is one objective's score in a trial
type ScoreRecord struct {
	Objective    string
	Value        float64
	Satisfaction float64
}

// TrialRecord is one scored trial of a run
type TrialRecord struct {
	RunID        string
	Number       int
	Satisfaction float64
	Vetoed       bool
	Point        map[string]float64
	Scores       []ScoreRecord
}

// Recorder stores runs and trials
type Recorder interface {
	RecordRun(run RunRecord) error
	RecordTrial(trial TrialRecord) error
	Flush() error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	session TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	outcome TEXT NOT NULL,
	best_satisfaction REAL,
	evaluations INTEGER NOT NULL,
	error TEXT
);
CREATE TABLE IF NOT EXISTS trials (
	run_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	satisfaction REAL,
	vetoed INTEGER NOT NULL,
	point TEXT NOT NULL,
	PRIMARY KEY (run_id, number)
);
CREATE TABLE IF NOT EXISTS scores (
	run_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	objective TEXT NOT NULL,
	value REAL,
	satisfaction REAL,
	PRIMARY KEY (run_id, number, objective)
);`

const (
	upsertRun = `INSERT INTO runs (id, session, started_at, finished_at, outcome, best_satisfaction, evaluations, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET finished_at = excluded.finished_at, outcome = excluded.outcome,
	best_satisfaction = excluded.best_satisfaction, evaluations = excluded.evaluations, error = excluded.error`
	insertTrial = `INSERT OR REPLACE INTO trials (run_id, number, satisfaction, vetoed, point) VALUES (?, ?, ?, ?, ?)`
	insertScore = `INSERT OR REPLACE INTO scores (run_id, number, objective, value, satisfaction) VALUES (?, ?, ?, ?, ?)`
)

// DefaultBatchSize is the number of buffered trials that triggers a flush
const DefaultBatchSize = 256

type Option func(*SQLiteRecorder)

func WithBatchSize(n int) Option {
	return func(r *SQLiteRecorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *SQLiteRecorder) { r.logger = l }
}

// SQLiteRecorder buffers trials and writes each batch in one transaction.
// Runs are written immediately.
type SQLiteRecorder struct {
	db        *sql.DB
	path      string
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex
	pending []TrialRecord
	closed  bool
}

var _ Recorder = (*SQLiteRecorder)(nil)

// OpenSQLite opens or creates the database at path. Pending trials are
// flushed when the process exits through atexit.
func OpenSQLite(path string, opts ...Option) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// one connection keeps in-memory databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	r := &SQLiteRecorder{
		db:        db,
		path:      path,
		batchSize: DefaultBatchSize,
		logger:    logger.Component("history"),
	}
	for _, opt := range opts {
		opt(r)
	}
	atexit.Register(func() {
		if err := r.Flush(); err != nil && !errors.Is(err, ErrClosed) {
			r.logger.Error("failed to flush history at exit", "path", r.path, "error", err)
		}
	})
	return r, nil
}

func unixMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// nullable stores NaN as NULL
func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func (r *SQLiteRecorder) RecordRun(run RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	_, err := r.db.Exec(upsertRun,
		run.ID,
		run.Session,
		run.StartedAt.UnixMilli(),
		unixMillis(run.FinishedAt),
		run.Outcome,
		nullable(run.BestSatisfaction),
		run.Evaluations,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

func (r *SQLiteRecorder) RecordTrial(trial TrialRecord) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.pending = append(r.pending, trial)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		return r.Flush()
	}
	return nil
}

// Flush writes the buffered trials in one transaction
func (r *SQLiteRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.flushLocked()
}

func (r *SQLiteRecorder) flushLocked() error {
	if len(r.pending) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history flush: %w", err)
	}
	trialStmt, err := tx.Prepare(insertTrial)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare trial insert: %w", err)
	}
	defer trialStmt.Close()
	scoreStmt, err := tx.Prepare(insertScore)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare score insert: %w", err)
	}
	defer scoreStmt.Close()

	for _, trial := range r.pending {
		point, err := json.Marshal(trial.Point)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encode trial %d point: %w", trial.Number, err)
		}
		if _, err := trialStmt.Exec(trial.RunID, trial.Number, nullable(trial.Satisfaction), trial.Vetoed, string(point)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert trial %d: %w", trial.Number, err)
		}
		for _, s := range trial.Scores {
			if _, err := scoreStmt.Exec(trial.RunID, trial.Number, s.Objective, nullable(s.Value), nullable(s.Satisfaction)); err != nil {
				tx.Rollback()
				return fmt.Errorf("insert score %s of trial %d: %w", s.Objective, trial.Number, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history flush: %w", err)
	}
	r.logger.Debug("history flushed", "trials", len(r.pending))
	r.pending = nil
	return nil
}

// Close flushes pending trials and closes the database
func (r *SQLiteRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	flushErr := r.flushLocked()
	r.closed = true
	return errors.Join(flushErr, r.db.Close())
}

// Runs returns every recorded run, newest first
func (r *SQLiteRecorder) Runs() ([]RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	rows, err := r.db.Query(`SELECT id, session, started_at, finished_at, outcome, best_satisfaction, evaluations, error
FROM runs ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			run      RunRecord
			started  int64
			finished sql.NullInt64
			best     sql.NullFloat64
			errText  sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Session, &started, &finished, &run.Outcome, &best, &run.Evaluations, &errText); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			run.FinishedAt = time.UnixMilli(finished.Int64)
		}
		run.BestSatisfaction = floatOrNaN(best)
		run.Error = errText.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Trials returns the run's trials in evaluation order, flushing pending ones first
func (r *SQLiteRecorder) Trials(runID string) ([]TrialRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if err := r.flushLocked(); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(`SELECT number, satisfaction, vetoed, point FROM trials WHERE run_id = ? ORDER BY number`, runID)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	var trials []TrialRecord
	for rows.Next() {
		var (
			trial        = TrialRecord{RunID: runID}
			satisfaction sql.NullFloat64
			point        string
		)
		if err := rows.Scan(&trial.Number, &satisfaction, &trial.Vetoed, &point); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		trial.Satisfaction = floatOrNaN(satisfaction)
		if err := json.Unmarshal([]byte(point), &trial.Point); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode trial %d point: %w", trial.Number, err)
		}
		trials = append(trials, trial)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range trials {
		scores, err := r.scores(runID, trials[i].Number)
		if err != nil {
			return nil, err
		}
		trials[i].Scores = scores
	}
	return trials, nil
}

func (r *SQLiteRecorder) scores(runID string, number int) ([]ScoreRecord, error) {
	rows, err := r.db.Query(`SELECT objective, value, satisfaction FROM scores WHERE run_id = ? AND number = ?`, runID, number)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var scores []ScoreRecord
	for rows.Next() {
		var (
			s                   ScoreRecord
			value, satisfaction sql.NullFloat64
		)
		if err := rows.Scan(&s.Objective, &value, &satisfaction); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		s.Value, s.Satisfaction = floatOrNaN(value), floatOrNaN(satisfaction)
		scores = append(scores, s)
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Objective < scores[j].Objective })
	return scores, rows.Err()
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
