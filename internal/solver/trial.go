package solver

import (
	"maps"
	"math"
	"sync"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/objective"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
)

// Score is one objective's raw value and satisfaction for a trial
type Score struct {
	Value        float64 `json:"value"`
	Satisfaction float64 `json:"satisfaction"`
}

// Trial is one evaluated point of the search
type Trial struct {
	number int
	point  map[string]float64

	mu         sync.RWMutex
	scores     map[string]Score
	order      []string
	simulation *simulation.Simulation
	vetoed     bool
	vetoReason string
}

func newTrial(number int, point map[string]float64) *Trial {
	return &Trial{
		number: number,
		point:  maps.Clone(point),
		scores: make(map[string]Score),
	}
}

// Number is the trial's position in its run, starting at 1; 0 for one-shot trials
func (t *Trial) Number() int { return t.number }

// Point returns a copy of the variable assignment
func (t *Trial) Point() map[string]float64 {
	return maps.Clone(t.point)
}

// Value returns the value assigned to the named variable
func (t *Trial) Value(name string) (float64, bool) {
	v, ok := t.point[name]
	return v, ok
}

// SetScore scores obj with value
func (t *Trial) SetScore(obj *objective.Objective, value float64) Score {
	s := Score{Value: value, Satisfaction: obj.Satisfaction(value)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.scores[obj.Name()]; !ok {
		t.order = append(t.order, obj.Name())
	}
	t.scores[obj.Name()] = s
	return s
}

func (t *Trial) Score(name string) (Score, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scores[name]
	return s, ok
}

// Scores returns the scores keyed by objective name
func (t *Trial) Scores() map[string]Score {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.scores)
}

// ScoredObjectives lists objective names in the order they were scored
func (t *Trial) ScoredObjectives() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Satisfaction is the overall satisfaction, biased toward the worst objective:
// the average of the mean and the minimum satisfaction. Vetoed or unscored
// trials have zero satisfaction.
func (t *Trial) Satisfaction() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.vetoed || len(t.scores) == 0 {
		return 0
	}
	sum, lowest := 0.0, math.Inf(1)
	for _, s := range t.scores {
		sum += s.Satisfaction
		lowest = math.Min(lowest, s.Satisfaction)
	}
	mean := sum / float64(len(t.scores))
	return (mean + lowest) / 2
}

// Veto marks the trial as unusable
func (t *Trial) Veto(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vetoed = true
	t.vetoReason = reason
}

func (t *Trial) Vetoed() (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.vetoed, t.vetoReason
}

// SetSimulation attaches the simulation the trial was scored from
func (t *Trial) SetSimulation(sim *simulation.Simulation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.simulation = sim
}

func (t *Trial) Simulation() *simulation.Simulation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.simulation
}
