package solver

import (
	"fmt"
	"time"
)

// Stopper ends a search. A run stops once MaxTime has elapsed, or once MinTime
// has elapsed and either the best satisfaction reached TargetSatisfaction or
// the convergence strategy fired. MaxEvaluations, when positive, caps the run.
type Stopper struct {
	MinTime            time.Duration
	MaxTime            time.Duration
	TargetSatisfaction float64
	MaxEvaluations     int
	Convergence        ConvergenceStrategy
}

// ShouldStop reports whether the run on board is over, and why
func (s Stopper) ShouldStop(board *ScoreBoard) (bool, string) {
	elapsed := board.ElapsedTime()
	if s.MaxTime > 0 && elapsed >= s.MaxTime {
		return true, fmt.Sprintf("max time %s reached", s.MaxTime)
	}
	if s.MaxEvaluations > 0 && board.Evaluations() >= s.MaxEvaluations {
		return true, fmt.Sprintf("%d evaluations reached", s.MaxEvaluations)
	}
	if elapsed < s.MinTime {
		return false, ""
	}
	if board.BestTrial() != nil && board.BestSatisfaction() >= s.TargetSatisfaction {
		return true, fmt.Sprintf("target satisfaction %g reached", s.TargetSatisfaction)
	}
	if s.Convergence != nil {
		if converged, reason := s.Convergence.CheckConvergence(board.historyView()); converged {
			return true, reason
		}
	}
	return false, ""
}
