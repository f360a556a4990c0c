package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
)

// errStopped is returned by Search.Evaluate once the search is over
var errStopped = errors.New("search stopped")

// Method proposes trial points. Search returns once the method has converged
// or the search is done; the solver restarts it from the best point until the
// stopper fires.
type Method interface {
	Name() string
	Search(ctx context.Context, s *Search) error
}

// Option configures a Solver
type Option func(*Solver)

// WithSeed seeds the random source used by stochastic methods
func WithSeed(seed uint64) Option {
	return func(s *Solver) { s.seed = seed }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) { s.logger = l }
}

// WithClock replaces time.Now for elapsed time
func WithClock(now func() time.Time) Option {
	return func(s *Solver) { s.now = now }
}

// Solver drives a Method against a Problem under a Stopper
type Solver struct {
	stopper Stopper
	method  Method
	seed    uint64
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	board     *ScoreBoard
	listeners []Listener

	stopRequested atomic.Bool
}

// New returns a solver. A nil method selects NelderMead.
func New(stopper Stopper, method Method, opts ...Option) *Solver {
	if method == nil {
		method = NelderMead{}
	}
	s := &Solver{
		stopper: stopper,
		method:  method,
		seed:    1,
		logger:  logger.Component("solver"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddListener registers l for score board updates of subsequent solves
func (s *Solver) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Solver) Stopper() Stopper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopper
}

func (s *Solver) SetStopper(stopper Stopper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopper = stopper
}

func (s *Solver) Method() Method { return s.method }

// ScoreBoard of the current or last solve, nil before the first
func (s *Solver) ScoreBoard() *ScoreBoard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.board
}

// StopSolving asks the running solve to stop after its current trial. A
// request made before Solve stays pending until ClearStopRequest.
func (s *Solver) StopSolving() {
	s.stopRequested.Store(true)
}

// ClearStopRequest drops a pending StopSolving. Callers clear it when a run
// begins, before any preparation that may take a while.
func (s *Solver) ClearStopRequest() {
	s.stopRequested.Store(false)
}

// Solve searches p until the stopper fires, StopSolving is called or ctx ends.
// Evaluator errors abort the solve and are returned; a cancelled context
// returns its error.
func (s *Solver) Solve(ctx context.Context, p *Problem) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	board := newScoreBoard(s.now, append([]Listener(nil), s.listeners...))
	s.board = board
	stopper := s.stopper
	s.mu.Unlock()
	defer board.finish()

	search := &Search{
		solver:  s,
		problem: p,
		board:   board,
		stopper: stopper,
		rng:     rand.New(rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15)),
	}
	search.startAt(p.InitialPoint(), false, 0)

	log := s.logger.With("method", s.method.Name(), "variables", len(p.Variables))
	log.Debug("solve started")

	if len(p.Variables) == 0 {
		_, err := search.Evaluate(ctx, nil)
		return search.result(ctx, err, log)
	}

	for pass := 0; !search.Done(ctx); pass++ {
		if pass > 0 {
			best := board.BestTrial()
			if best == nil {
				break
			}
			search.startAt(best.Point(), true, best.Satisfaction())
		}
		search.pass = pass
		before := board.Evaluations()
		err := s.method.Search(ctx, search)
		if err != nil && !errors.Is(err, errStopped) {
			return search.result(ctx, err, log)
		}
		if board.Evaluations() == before {
			break
		}
	}
	return search.result(ctx, nil, log)
}

// Search is the state a Method works on: the starting point in unit
// coordinates, where 0 and 1 are each variable's lower and upper limit, and
// the evaluation entry point.
type Search struct {
	solver  *Solver
	problem *Problem
	board   *ScoreBoard
	stopper Stopper
	rng     *rand.Rand
	pass    int

	start       []float64
	startScored bool
	startValue  float64

	mu     sync.Mutex
	err    error
	done   bool
	reason string
}

func (s *Search) startAt(point map[string]float64, scored bool, satisfaction float64) {
	s.start = make([]float64, len(s.problem.Variables))
	for i, v := range s.problem.Variables {
		s.start[i] = toUnit(v, point[v.Name()])
	}
	s.startScored = scored
	s.startValue = satisfaction
}

// Dim is the number of variables
func (s *Search) Dim() int { return len(s.problem.Variables) }

// Pass counts restarts, 0 for the first search
func (s *Search) Pass() int { return s.pass }

// Start returns a copy of the starting point
func (s *Search) Start() []float64 {
	return append([]float64(nil), s.start...)
}

// StartSatisfaction is the satisfaction at Start when it is already known
func (s *Search) StartSatisfaction() (float64, bool) {
	return s.startValue, s.startScored
}

// Rand is the solve's seeded random source
func (s *Search) Rand() *rand.Rand { return s.rng }

// Evaluate scores the unit point and returns the trial's overall satisfaction
func (s *Search) Evaluate(ctx context.Context, unit []float64) (float64, error) {
	if s.Done(ctx) {
		return 0, errStopped
	}

	point := make(map[string]float64, len(s.problem.Variables))
	for i, v := range s.problem.Variables {
		point[v.Name()] = fromUnit(v, unit[i])
	}
	trial := newTrial(s.board.Evaluations()+1, point)
	if err := s.problem.Evaluator.Evaluate(ctx, trial); err != nil {
		s.mu.Lock()
		s.err = fmt.Errorf("trial %d: %w", trial.Number(), err)
		s.mu.Unlock()
		return 0, err
	}
	s.board.record(trial)

	if stop, reason := s.stopper.ShouldStop(s.board); stop {
		s.mu.Lock()
		s.done, s.reason = true, reason
		s.mu.Unlock()
	}
	return trial.Satisfaction(), nil
}

// Done reports whether no further evaluations may run
func (s *Search) Done(ctx context.Context) bool {
	if s.solver.stopRequested.Load() || ctx.Err() != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done || s.err != nil
}

// Err is the evaluator error that aborted the search, if any
func (s *Search) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Search) result(ctx context.Context, err error, log *slog.Logger) error {
	if evalErr := s.Err(); evalErr != nil {
		err = evalErr
	}
	if err != nil && errors.Is(err, errStopped) {
		err = nil
	}
	board := s.board
	switch {
	case err != nil:
		log.Warn("solve aborted", "evaluations", board.Evaluations(), "error", err)
		return err
	case ctx.Err() != nil:
		log.Info("solve cancelled", "evaluations", board.Evaluations())
		return ctx.Err()
	}

	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()
	if s.solver.stopRequested.Load() {
		reason = "stop requested"
	}
	log.Info("solve finished",
		"reason", reason,
		"evaluations", board.Evaluations(),
		"passes", s.pass+1,
		"best_satisfaction", board.BestSatisfaction(),
		"elapsed", board.ElapsedTime())
	return nil
}

// MethodByName maps a configured method name to a Method
func MethodByName(name string, simplexSize, stepSize float64) (Method, error) {
	switch name {
	case "", "nelder_mead":
		return NelderMead{SimplexSize: simplexSize}, nil
	case "hill_climb":
		return HillClimb{StepSize: stepSize}, nil
	}
	return nil, fmt.Errorf("unknown solver method %q", name)
}
