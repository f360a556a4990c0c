package tunerd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/manager"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/optimizer"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunTerminal  = errors.New("run is terminal")
	ErrRunIDMissing = errors.New("run_id is required")
	ErrRunActive    = errors.New("another run is active")
)

// Executor runs one optimization at a time against the manager's optimizer
type Executor struct {
	store    *RunStore
	manager  *manager.Manager
	notifier *Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	active   string
	stopping bool
	cancel   context.CancelFunc
	opt      *optimizer.Optimizer
	done     chan struct{}
}

type ExecutorOption func(*Executor)

func WithNotifier(n *Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(store *RunStore, m *manager.Manager, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:   store,
		manager: m,
		logger:  logger.Component("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Active is the id of the running run, empty when idle
func (e *Executor) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Start begins a pending run in the background and returns it as running
func (e *Executor) Start(runID string) (Run, error) {
	if runID == "" {
		return Run{}, ErrRunIDMissing
	}
	run, ok := e.store.Get(runID)
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	switch {
	case run.Status == StatusRunning:
		return run, nil
	case run.Status.Terminal():
		return Run{}, fmt.Errorf("%w: %s", ErrRunTerminal, runID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != "" {
		return Run{}, fmt.Errorf("%w: %s", ErrRunActive, e.active)
	}
	opt, err := e.manager.Optimizer()
	if err != nil {
		return Run{}, err
	}
	if opt.IsRunning() {
		return Run{}, fmt.Errorf("%w: %v", ErrRunActive, optimizer.ErrRunInProgress)
	}
	if d := run.Input.DurationSeconds; d > 0 {
		opt.SetSolvingDuration(time.Duration(d * float64(time.Second)))
	}

	updated, err := e.store.SetStatus(runID, StatusRunning, "")
	if err != nil {
		return Run{}, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.active, e.cancel, e.opt = runID, cancel, opt
	e.stopping = false
	e.done = make(chan struct{})
	go e.execute(ctx, runID, opt, e.done)
	return updated, nil
}

// Stop asks the active run to finish its current trial and marks the run
// cancelled. Stopping a terminal run is an error.
func (e *Executor) Stop(runID string) (Run, error) {
	if runID == "" {
		return Run{}, ErrRunIDMissing
	}
	run, ok := e.store.Get(runID)
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Status.Terminal() {
		return Run{}, fmt.Errorf("%w: %s", ErrRunTerminal, runID)
	}

	e.mu.Lock()
	if e.active == runID {
		e.stopping = true
		e.opt.StopSolving()
	}
	e.mu.Unlock()

	updated, err := e.store.SetStatus(runID, StatusCancelled, "")
	if err != nil {
		return Run{}, err
	}
	e.logger.Info("run cancelled", "run_id", runID)
	e.notify(updated)
	return updated, nil
}

// Shutdown stops the active run and cancels its context, aborting the trial
// in progress. Call Stop first to record the run as cancelled.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == "" {
		return
	}
	e.stopping = true
	e.opt.StopSolving()
	e.cancel()
}

// Wait blocks until the active run, if any, has finished
func (e *Executor) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Executor) execute(ctx context.Context, runID string, opt *optimizer.Optimizer, done chan struct{}) {
	defer close(done)
	defer func() {
		e.mu.Lock()
		e.cancel()
		e.active, e.cancel, e.opt = "", nil, nil
		e.stopping = false
		e.mu.Unlock()
	}()

	var mu sync.Mutex
	evaluations, best := 0, math.NaN()
	unsubscribe := opt.Subscribe(func(ev optimizer.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case ev.Kind == optimizer.EventStarted:
			// drops the replayed solution of an earlier run
			evaluations, best = 0, math.NaN()
			// a stop issued before the optimizer started is repeated now
			e.mu.Lock()
			stopping := e.stopping
			e.mu.Unlock()
			if stopping {
				opt.StopSolving()
			}
			return
		case ev.Trial == nil:
			return
		}
		switch ev.Kind {
		case optimizer.EventTrialScored:
			evaluations++
		case optimizer.EventNewOptimalSolution:
			best = ev.Trial.Satisfaction()
		default:
			return
		}
		if err := e.store.SetProgress(runID, evaluations, best); err != nil {
			e.logger.Warn("failed to record progress", "run_id", runID, "error", err)
		}
	})
	defer unsubscribe()

	e.logger.Info("starting optimization", "run_id", runID)
	err := opt.Run(ctx)

	run, ok := e.store.Get(runID)
	if !ok || run.Status != StatusRunning {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("optimization failed", "run_id", runID, "error", err)
		run, err = e.store.SetStatus(runID, StatusFailed, err.Error())
	} else {
		run, err = e.store.SetStatus(runID, StatusCompleted, "")
	}
	if err != nil {
		e.logger.Error("failed to set final status", "run_id", runID, "error", err)
		return
	}
	e.logger.Info("run finished", "run_id", runID, "status", run.Status,
		"evaluations", run.Evaluations, "best_satisfaction", run.BestSatisfaction)
	e.notify(run)
}

func (e *Executor) notify(run Run) {
	if e.notifier != nil {
		e.notifier.Notify(run)
	}
}
