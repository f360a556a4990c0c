package history

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/optimizer"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/solver"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

// Listener records optimizer events. Every Started event opens a new run with
// a fresh run id; recorder errors are logged and never reach the optimizer.
type Listener struct {
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	run         *RunRecord
	lastScored  *solver.Trial
	evaluations int
}

type ListenerOption func(*Listener)

func WithListenerLogger(l *slog.Logger) ListenerOption {
	return func(h *Listener) { h.logger = l }
}

func WithListenerClock(now func() time.Time) ListenerOption {
	return func(h *Listener) { h.now = now }
}

func NewListener(recorder Recorder, opts ...ListenerOption) *Listener {
	l := &Listener{
		recorder: recorder,
		logger:   logger.Component("history"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunID is the id of the current or last run, empty before the first
func (l *Listener) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run == nil {
		return ""
	}
	return l.run.ID
}

// Handle is an optimizer subscriber
func (l *Listener) Handle(e optimizer.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch e.Kind {
	case optimizer.EventStarted:
		l.run = &RunRecord{
			ID:               utils.NewRunID(),
			Session:          e.Optimizer.Session().Name(),
			StartedAt:        l.now(),
			Outcome:          OutcomeRunning,
			BestSatisfaction: math.NaN(),
		}
		l.lastScored, l.evaluations = nil, 0
		l.recordRun()
	case optimizer.EventTrialScored:
		l.lastScored = e.Trial
		l.recordTrial(e.Trial)
	case optimizer.EventNewOptimalSolution:
		if l.run == nil {
			return
		}
		// one-shot evaluations report the optimum without a scored event
		if e.Trial != l.lastScored {
			l.recordTrial(e.Trial)
		}
		l.run.BestSatisfaction = e.Trial.Satisfaction()
	case optimizer.EventStopped:
		l.finish(OutcomeCompleted, nil)
	case optimizer.EventFailed:
		l.finish(OutcomeFailed, e.Err)
	}
}

func (l *Listener) recordRun() {
	if err := l.recorder.RecordRun(*l.run); err != nil {
		l.logger.Warn("failed to record run", "run_id", l.run.ID, "error", err)
	}
}

func (l *Listener) recordTrial(t *solver.Trial) {
	if l.run == nil || t == nil {
		return
	}
	l.evaluations++
	vetoed, _ := t.Vetoed()
	rec := TrialRecord{
		RunID:        l.run.ID,
		Number:       t.Number(),
		Satisfaction: t.Satisfaction(),
		Vetoed:       vetoed,
		Point:        t.Point(),
	}
	for name, score := range t.Scores() {
		rec.Scores = append(rec.Scores, ScoreRecord{Objective: name, Value: score.Value, Satisfaction: score.Satisfaction})
	}
	if err := l.recorder.RecordTrial(rec); err != nil {
		l.logger.Warn("failed to record trial", "run_id", l.run.ID, "trial", t.Number(), "error", err)
	}
}

func (l *Listener) finish(outcome string, err error) {
	if l.run == nil {
		return
	}
	l.run.FinishedAt = l.now()
	l.run.Outcome = outcome
	l.run.Evaluations = l.evaluations
	if err != nil {
		l.run.Error = err.Error()
	}
	l.recordRun()
	if err := l.recorder.Flush(); err != nil {
		l.logger.Warn("failed to flush history", "run_id", l.run.ID, "error", err)
	}
}
