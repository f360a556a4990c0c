// Package metrics exposes optimization and simulation activity as Prometheus
// collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/optimizer"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/online"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "optics"

// Collector tracks optimizer events and engine runs
type Collector struct {
	trialsScored      prometheus.Counter
	runs              *prometheus.CounterVec
	runActive         prometheus.Gauge
	bestSatisfaction  prometheus.Gauge
	simulations       *prometheus.CounterVec
	simulationSeconds prometheus.Histogram
}

// NewCollector creates the collectors and registers them on reg. Collectors
// already registered by an earlier Collector are reused.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		trialsScored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_scored_total",
			Help:      "Total trials scored by the optimizer",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Optimization runs by outcome",
		}, []string{LabelOutcome}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while an optimization run is in progress",
		}),
		bestSatisfaction: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_satisfaction",
			Help:      "Satisfaction of the best solution of the current or last run",
		}),
		simulations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulations_total",
			Help:      "Online model runs by result",
		}, []string{LabelResult}),
		simulationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "simulation_duration_seconds",
			Help:      "Online model run duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}

	var err error
	c.trialsScored = register(reg, c.trialsScored, &err)
	c.runs = register(reg, c.runs, &err)
	c.runActive = register(reg, c.runActive, &err)
	c.bestSatisfaction = register(reg, c.bestSatisfaction, &err)
	c.simulations = register(reg, c.simulations, &err)
	c.simulationSeconds = register(reg, c.simulationSeconds, &err)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T, errp *error) T {
	if reg == nil || *errp != nil {
		return col
	}
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		*errp = err
	}
	return col
}

// Handle is an optimizer subscriber
func (c *Collector) Handle(e optimizer.Event) {
	switch e.Kind {
	case optimizer.EventStarted:
		c.runActive.Set(1)
		c.bestSatisfaction.Set(0)
	case optimizer.EventTrialScored:
		c.trialsScored.Inc()
	case optimizer.EventNewOptimalSolution:
		if e.Trial != nil {
			c.bestSatisfaction.Set(e.Trial.Satisfaction())
		}
	case optimizer.EventStopped:
		c.finish(OutcomeCompleted)
	case optimizer.EventFailed:
		c.finish(OutcomeFailed)
	}
}

func (c *Collector) finish(outcome string) {
	c.runActive.Set(0)
	c.runs.WithLabelValues(outcome).Inc()
}

// Observer returns the simulator hook that counts and times engine runs
func (c *Collector) Observer() online.Observer {
	return func(d time.Duration, err error) {
		c.simulations.WithLabelValues(resultLabel(err)).Inc()
		c.simulationSeconds.Observe(d.Seconds())
	}
}
