package solver

import (
	"sync"
	"time"
)

// Listener receives score board updates on the searching goroutine, in order
type Listener interface {
	TrialScored(board *ScoreBoard, trial *Trial)
	TrialVetoed(board *ScoreBoard, trial *Trial)
	NewOptimalSolution(board *ScoreBoard, trial *Trial)
}

// ListenerFuncs adapts optional callbacks to Listener
type ListenerFuncs struct {
	OnTrialScored        func(board *ScoreBoard, trial *Trial)
	OnTrialVetoed        func(board *ScoreBoard, trial *Trial)
	OnNewOptimalSolution func(board *ScoreBoard, trial *Trial)
}

func (l ListenerFuncs) TrialScored(board *ScoreBoard, trial *Trial) {
	if l.OnTrialScored != nil {
		l.OnTrialScored(board, trial)
	}
}

func (l ListenerFuncs) TrialVetoed(board *ScoreBoard, trial *Trial) {
	if l.OnTrialVetoed != nil {
		l.OnTrialVetoed(board, trial)
	}
}

func (l ListenerFuncs) NewOptimalSolution(board *ScoreBoard, trial *Trial) {
	if l.OnNewOptimalSolution != nil {
		l.OnNewOptimalSolution(board, trial)
	}
}

// ScoreBoard tracks one run: elapsed time, evaluations, history and best trial
type ScoreBoard struct {
	mu          sync.RWMutex
	start       time.Time
	end         time.Time
	evaluations int
	vetoes      int
	best        *Trial
	history     []Step
	listeners   []Listener
	now         func() time.Time
}

func newScoreBoard(now func() time.Time, listeners []Listener) *ScoreBoard {
	return &ScoreBoard{
		start:     now(),
		listeners: listeners,
		now:       now,
	}
}

// ElapsedTime since the run started, frozen once it finished
func (b *ScoreBoard) ElapsedTime() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.end.IsZero() {
		return b.end.Sub(b.start)
	}
	return b.now().Sub(b.start)
}

// Evaluations counts trials passed to the board, vetoed ones included
func (b *ScoreBoard) Evaluations() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evaluations
}

func (b *ScoreBoard) Vetoes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.vetoes
}

// BestTrial is the highest-satisfaction trial so far, nil before the first one
func (b *ScoreBoard) BestTrial() *Trial {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.best
}

// BestSatisfaction is 0 before the first scored trial
func (b *ScoreBoard) BestSatisfaction() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.best == nil {
		return 0
	}
	return b.best.Satisfaction()
}

// History returns a copy of the steps recorded so far
func (b *ScoreBoard) History() []Step {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Step(nil), b.history...)
}

func (b *ScoreBoard) historyView() []Step {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history
}

// record books a finished trial and notifies listeners: vetoed or scored,
// then new optimum when it beats the best
func (b *ScoreBoard) record(trial *Trial) {
	b.mu.Lock()
	b.evaluations++
	vetoed, _ := trial.Vetoed()
	improved := false
	if vetoed {
		b.vetoes++
	} else if b.best == nil || trial.Satisfaction() > b.best.Satisfaction() {
		b.best = trial
		improved = true
	}
	best := 0.0
	if b.best != nil {
		best = b.best.Satisfaction()
	}
	b.history = append(b.history, Step{
		Evaluation:   b.evaluations,
		Satisfaction: trial.Satisfaction(),
		Best:         best,
	})
	listeners := b.listeners
	b.mu.Unlock()

	for _, l := range listeners {
		if vetoed {
			l.TrialVetoed(b, trial)
		} else {
			l.TrialScored(b, trial)
		}
	}
	if improved {
		for _, l := range listeners {
			l.NewOptimalSolution(b, trial)
		}
	}
}

func (b *ScoreBoard) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.end.IsZero() {
		b.end = b.now()
	}
}
