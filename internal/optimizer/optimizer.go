// Package optimizer runs searches over a session's problem on behalf of the
// caller: it owns the solver, tracks the best trial and reports the run
// lifecycle to listeners.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/session"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/solver"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
)

var (
	// ErrRunInProgress is returned when an operation needs the optimizer idle
	ErrRunInProgress = errors.New("an optimization run is in progress")
	// ErrNoSolution is returned when no trial has been evaluated yet
	ErrNoSolution = errors.New("no evaluation has been run")
)

// EventKind names an optimizer notification
type EventKind int

const (
	EventStarted EventKind = iota
	EventTrialScored
	EventNewOptimalSolution
	EventStopped
	EventFailed
	EventSettingsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventTrialScored:
		return "trial_scored"
	case EventNewOptimalSolution:
		return "new_optimal_solution"
	case EventStopped:
		return "stopped"
	case EventFailed:
		return "failed"
	case EventSettingsChanged:
		return "settings_changed"
	default:
		return "unknown"
	}
}

// Event is one notification. Trial is set for scored and optimal-solution
// events, Err for failures.
type Event struct {
	Kind      EventKind
	Optimizer *Optimizer
	Trial     *solver.Trial
	Err       error
}

type Option func(*Optimizer)

// WithMethod selects the search method, NelderMead by default
func WithMethod(m solver.Method) Option {
	return func(o *Optimizer) { o.method = m }
}

func WithSeed(seed uint64) Option {
	return func(o *Optimizer) { o.seed = seed }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// WithClock replaces time.Now for the solver's elapsed time
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) { o.now = now }
}

// Optimizer drives at most one run or evaluation at a time. Listeners are
// called on the goroutine doing the work, in the order Started, then scored
// and optimal-solution events, then exactly one of Stopped or Failed.
type Optimizer struct {
	session *session.Session
	solver  *solver.Solver
	logger  *slog.Logger
	method  solver.Method
	seed    uint64
	now     func() time.Time

	running atomic.Bool

	mu        sync.RWMutex
	best      *solver.Trial
	nextSub   int
	listeners map[int]func(Event)
}

// New returns an idle optimizer over sess
func New(sess *session.Session, opts ...Option) *Optimizer {
	o := &Optimizer{
		session:   sess,
		logger:    logger.Component("optimizer"),
		seed:      1,
		now:       time.Now,
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.solver = solver.New(sess.Stopper(), o.method,
		solver.WithLogger(o.logger),
		solver.WithSeed(o.seed),
		solver.WithClock(o.now))
	o.solver.AddListener(solver.ListenerFuncs{
		OnTrialScored: func(_ *solver.ScoreBoard, trial *solver.Trial) {
			o.dispatch(Event{Kind: EventTrialScored, Trial: trial})
		},
		OnNewOptimalSolution: func(_ *solver.ScoreBoard, trial *solver.Trial) {
			o.setBest(trial)
			o.dispatch(Event{Kind: EventNewOptimalSolution, Trial: trial})
		},
	})
	sess.Subscribe(func(session.Event) {
		o.dispatch(Event{Kind: EventSettingsChanged})
	})
	return o
}

func (o *Optimizer) Session() *session.Session { return o.session }

// Method is the search method used by Run
func (o *Optimizer) Method() solver.Method { return o.method }

// Subscribe registers fn. When a best solution exists it is replayed to fn.
func (o *Optimizer) Subscribe(fn func(Event)) func() {
	o.mu.Lock()
	o.nextSub++
	id := o.nextSub
	o.listeners[id] = fn
	best := o.best
	o.mu.Unlock()

	if best != nil {
		fn(Event{Kind: EventNewOptimalSolution, Optimizer: o, Trial: best})
	}
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

func (o *Optimizer) dispatch(e Event) {
	e.Optimizer = o
	o.mu.RLock()
	fns := make([]func(Event), 0, len(o.listeners))
	for id := 1; id <= o.nextSub; id++ {
		if fn, ok := o.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (o *Optimizer) setBest(t *solver.Trial) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.best = t
}

func (o *Optimizer) IsRunning() bool { return o.running.Load() }

// Run searches the session's problem until the stopper fires, StopSolving is
// called or ctx ends. The parameter store is frozen for the whole run.
func (o *Optimizer) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer o.running.Store(false)

	o.solver.ClearStopRequest()
	o.setBest(nil)
	o.solver.SetStopper(o.session.Stopper())
	o.dispatch(Event{Kind: EventStarted})

	err := o.withPreparedProblem(ctx, func(problem *solver.Problem, _ *session.Evaluator) error {
		return o.solver.Solve(ctx, problem)
	})
	return o.finish(err)
}

// EvaluateInitialPoint scores the current initial values without searching and
// makes the resulting trial the best solution
func (o *Optimizer) EvaluateInitialPoint(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer o.running.Store(false)

	o.solver.ClearStopRequest()
	o.dispatch(Event{Kind: EventStarted})
	var trial *solver.Trial
	err := o.withPreparedProblem(ctx, func(problem *solver.Problem, _ *session.Evaluator) error {
		var err error
		trial, err = problem.EvaluateInitialPoint(ctx)
		return err
	})
	if err == nil {
		o.setBest(trial)
		o.dispatch(Event{Kind: EventNewOptimalSolution, Trial: trial})
	}
	return o.finish(err)
}

// withPreparedProblem freezes the store and brackets fn with the session's
// prepare and cleanup
func (o *Optimizer) withPreparedProblem(ctx context.Context, fn func(*solver.Problem, *session.Evaluator) error) error {
	store := o.session.Store()
	if err := store.Freeze(); err != nil {
		return err
	}
	defer store.Thaw()

	problem, evaluator, err := o.session.PrepareForSolving(ctx)
	if err != nil {
		return fmt.Errorf("prepare for solving: %w", err)
	}
	defer o.session.Cleanup()
	return fn(problem, evaluator)
}

// finish reports the end of a run. A cancelled context ends the run as
// stopped; Run still returns the context's error.
func (o *Optimizer) finish(err error) error {
	if errors.Is(err, context.Canceled) {
		o.logger.Info("optimization cancelled", "session", o.session.Name())
		o.dispatch(Event{Kind: EventStopped})
		return err
	}
	if err != nil {
		o.logger.Error("optimization failed", "session", o.session.Name(), "error", err)
		o.dispatch(Event{Kind: EventFailed, Err: err})
		return err
	}
	o.dispatch(Event{Kind: EventStopped})
	return nil
}

// RunHandle tracks a run started with SpawnRun
type RunHandle struct {
	done chan struct{}
	err  error
}

// Done is closed once the run has returned
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run returns and gives its error
func (h *RunHandle) Wait() error {
	<-h.done
	return h.err
}

// SpawnRun starts Run on a new goroutine
func (o *Optimizer) SpawnRun(ctx context.Context) *RunHandle {
	h := &RunHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = o.Run(ctx)
	}()
	return h
}

// StopSolving asks the current run to stop after its current trial
func (o *Optimizer) StopSolving() { o.solver.StopSolving() }

func (o *Optimizer) SetEvaluationNodes(ids []string) error {
	if o.IsRunning() {
		return ErrRunInProgress
	}
	return o.session.SetEvaluationNodes(ids)
}

func (o *Optimizer) SetEntranceProbe(p model.Probe) error {
	if o.IsRunning() {
		return ErrRunInProgress
	}
	return o.session.SetEntranceProbe(p)
}

// SetSolvingDuration changes the maximum solve time of the next run
func (o *Optimizer) SetSolvingDuration(d time.Duration) {
	o.session.UpdateSolveDuration(d)
	o.solver.SetStopper(o.session.Stopper())
}

// BestSolution is the best trial of the current or last run, nil if none
func (o *Optimizer) BestSolution() *solver.Trial {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.best
}

// BestSimulation is the simulation of the best trial, nil if none
func (o *Optimizer) BestSimulation() *simulation.Simulation {
	if best := o.BestSolution(); best != nil {
		return best.Simulation()
	}
	return nil
}

// BestVariableValues maps variable names to their values in the best trial
func (o *Optimizer) BestVariableValues() map[string]float64 {
	if best := o.BestSolution(); best != nil {
		return best.Point()
	}
	return map[string]float64{}
}

// ElapsedTime of the current or last search
func (o *Optimizer) ElapsedTime() time.Duration {
	if board := o.solver.ScoreBoard(); board != nil {
		return board.ElapsedTime()
	}
	return 0
}

// CopyOptimalToCustomValues writes each variable's best value into its core
// parameter's custom value. It does nothing without a best solution.
func (o *Optimizer) CopyOptimalToCustomValues() error {
	store := o.session.Store()
	var errs []error
	for name, value := range o.BestVariableValues() {
		core, ok := store.CoreParameter(name)
		if !ok {
			continue
		}
		if err := core.SetCustomValue(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
