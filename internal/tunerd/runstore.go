package tunerd

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

// RunStatus is the lifecycle state of an optimization run
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseRunStatus accepts status names case-insensitively
func ParseRunStatus(name string) (RunStatus, bool) {
	switch s := RunStatus(strings.ToLower(strings.TrimSpace(name))); s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return s, true
	default:
		return "", false
	}
}

var ErrRunExists = errors.New("run already exists")

// RunInput is what a client asks for when creating a run
type RunInput struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	CallbackURL     string  `json:"callback_url,omitempty"`
	CallbackSecret  string  `json:"-"`
}

// Run is a snapshot of one optimization run. BestSatisfaction is NaN until
// a trial has been scored.
type Run struct {
	ID               string    `json:"id"`
	Status           RunStatus `json:"status"`
	Input            RunInput  `json:"input"`
	CreatedAtUnixMs  int64     `json:"created_at_unix_ms"`
	StartedAtUnixMs  int64     `json:"started_at_unix_ms,omitempty"`
	EndedAtUnixMs    int64     `json:"ended_at_unix_ms,omitempty"`
	BestSatisfaction float64   `json:"-"`
	Evaluations      int       `json:"evaluations"`
	Error            string    `json:"error,omitempty"`
}

// RunStore keeps runs in memory. Get and List return copies.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*Run),
		now:  time.Now,
	}
}

func (s *RunStore) nowUnixMs() int64 {
	return s.now().UTC().UnixMilli()
}

// Create registers a pending run. An empty id gets a generated one.
func (s *RunStore) Create(runID string, input RunInput) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if runID == "" {
		runID = utils.NewRunID()
	}
	if _, exists := s.runs[runID]; exists {
		return Run{}, fmt.Errorf("%w: %s", ErrRunExists, runID)
	}

	run := &Run{
		ID:               runID,
		Status:           StatusPending,
		Input:            input,
		CreatedAtUnixMs:  s.nowUnixMs(),
		BestSatisfaction: math.NaN(),
	}
	s.runs[runID] = run
	return *run, nil
}

func (s *RunStore) Get(runID string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// List returns runs newest first, optionally filtered by status. An empty
// status matches every run.
func (s *RunStore) List(limit, offset int, status RunStatus) []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	all := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status == "" || run.Status == status {
			all = append(all, *run)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAtUnixMs != all[j].CreatedAtUnixMs {
			return all[i].CreatedAtUnixMs > all[j].CreatedAtUnixMs
		}
		return all[i].ID > all[j].ID
	})
	if offset >= len(all) {
		return []Run{}
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// SetStatus moves a run to status and stamps start and end times
func (s *RunStore) SetStatus(runID string, status RunStatus, errMsg string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	run.Status = status
	if errMsg != "" {
		run.Error = errMsg
	}
	switch {
	case status == StatusRunning:
		if run.StartedAtUnixMs == 0 {
			run.StartedAtUnixMs = s.nowUnixMs()
		}
	case status.Terminal():
		run.EndedAtUnixMs = s.nowUnixMs()
	}
	return *run, nil
}

// SetProgress records the evaluation count and best satisfaction so far
func (s *RunStore) SetProgress(runID string, evaluations int, bestSatisfaction float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	run.Evaluations = evaluations
	run.BestSatisfaction = bestSatisfaction
	return nil
}
