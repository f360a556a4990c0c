package objective

import (
	"math"
	"testing"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/simulation"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simWith builds a simulation with one evaluation node per X beta and X eta
// sample; the final state carries the output energy in eV.
func simWith(betaX, etaX []float64, outputEV float64) *simulation.Simulation {
	var ids []string
	var states []model.State
	for i := range betaX {
		id := string(rune('A' + i))
		ids = append(ids, id)
		eta := 0.0
		if etaX != nil {
			eta = etaX[i]
		}
		states = append(states, model.State{
			ElementID:     id,
			Position:      float64(i),
			KineticEnergy: outputEV,
			RestEnergy:    939.294e6,
			Twiss: [3]model.Twiss{
				{Beta: betaX[i], Emittance: 1},
				{Beta: 1, Emittance: 1},
				{Beta: 1, Emittance: 1},
			},
			Dispersion: [2]float64{eta, 0},
		})
	}
	states = append(states, model.State{ElementID: "END", KineticEnergy: outputEV, RestEnergy: 939.294e6})
	return simulation.New(&model.Trajectory{States: states}, ids, nil)
}

func TestBoundWithoutViolationReturnsExtremum(t *testing.T) {
	sim := simWith([]float64{8, 9, 7}, []float64{0.1, -0.2, 0.3}, 2.5e6)

	assert.Equal(t, 9.0, NewBetaMax(model.X, 10, 1).Value(sim, nil))
	assert.Equal(t, 7.0, NewBetaMin(model.X, 5, 1).Value(sim, nil))
	assert.Equal(t, 0.3, NewEtaMax(model.X, 1, 0.1).Value(sim, nil))
	assert.Equal(t, -0.2, NewEtaMin(model.X, -1, 0.1).Value(sim, nil))
}

func TestViolationsAreWeightedBySeverity(t *testing.T) {
	sim := simWith([]float64{5, 8, 3}, nil, 2.5e6)
	assert.Equal(t, 8+5*0.25+3*0.0625, NewBetaMax(model.X, 2, 1).Value(sim, nil))
	assert.Equal(t, 8+5*0.25+3*0.0625, WeightedSum([]float64{8, 5, 3}))

	// shortfalls below 4, most severe first, are 3 and 1
	low := simWith([]float64{3, 1, 6}, nil, 2.5e6)
	assert.Equal(t, 4-(3+1*0.25), NewBetaMin(model.X, 4, 1).Value(low, nil))
}

func TestEndToEndBetaMaxScenario(t *testing.T) {
	design := simWith([]float64{10, 9, 0}, nil, 2.5e6)
	trial := simWith([]float64{12, 11, 7}, nil, 2.5e6)
	obj := NewBetaMax(model.X, 10, 2)

	value := obj.Value(trial, design)
	assert.Equal(t, 14.75, value)

	s := obj.Satisfaction(value)
	assert.Equal(t, InverseSquareSatisfaction(4.75, 2), s)
	assert.Less(t, s, 1.0)
	assert.Greater(t, s, 0.0)
}

func TestNaNSamplePropagates(t *testing.T) {
	sim := simWith([]float64{8, math.NaN(), 7}, []float64{0, math.NaN(), 0}, 2.5e6)
	for _, o := range []*Objective{
		NewBetaMax(model.X, 10, 1),
		NewBetaMin(model.X, 1, 1),
		NewEtaMax(model.X, 1, 1),
		NewEtaMin(model.X, -1, 1),
	} {
		v := o.Value(sim, nil)
		assert.True(t, math.IsNaN(v), o.Name())
		assert.Equal(t, 0.0, o.Satisfaction(v), o.Name())
	}
}

func TestSatisfactionOfNaNIsZero(t *testing.T) {
	for _, o := range Catalog() {
		o.SetSettings(1, 1)
		assert.Equal(t, 0.0, o.Satisfaction(math.NaN()), o.Name())
	}
	assert.Equal(t, 0.0, InverseSquareSatisfaction(math.NaN(), 1))
}

func TestSatisfactionIsMonotone(t *testing.T) {
	max := NewBetaMax(model.X, 10, 2)
	energy := NewEnergyTarget(2.5, 0.1)
	errObj := NewBetaMeanError(model.Y, 0.05)

	prev := map[string]float64{}
	for v := 0.0; v <= 30; v += 0.25 {
		for _, c := range []struct {
			o *Objective
			v float64
		}{
			{max, v},
			{energy, 2.5 + v/10},
			{errObj, v / 10},
		} {
			s := c.o.Satisfaction(c.v)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
			if p, ok := prev[c.o.Name()]; ok {
				assert.LessOrEqual(t, s, p, "%s at %g", c.o.Name(), c.v)
			}
			prev[c.o.Name()] = s
		}
	}

	assert.Equal(t, 1.0, max.Satisfaction(10))
	assert.Equal(t, 0.5, max.Satisfaction(12))
	min := NewBetaMin(model.X, 4, 1)
	assert.Equal(t, 1.0, min.Satisfaction(4))
	assert.Equal(t, 0.5, min.Satisfaction(3))
	assert.InDelta(t, 0.5, energy.Satisfaction(2.4), 1e-9)
}

func TestErrorAndEnergyValues(t *testing.T) {
	design := simWith([]float64{10, 10, 10}, nil, 2.5e6)
	trial := simWith([]float64{11, 9, 10}, nil, 3.0e6)

	assert.InDelta(t, 0.2/3, NewBetaMeanError(model.X, 0.05).Value(trial, design), 1e-12)
	assert.InDelta(t, 0.1, NewBetaWorstError(model.X, 0.05).Value(trial, design), 1e-12)
	assert.True(t, math.IsNaN(NewBetaWorstError(model.X, 0.05).Value(trial, nil)))

	energy := NewEnergyTarget(2.5, 0.125)
	v := energy.Value(trial, design)
	assert.InDelta(t, 3.0, v, 1e-12)
	assert.InDelta(t, InverseSquareSatisfaction(0.5, 0.125), energy.Satisfaction(v), 1e-12)
}

func TestDesignDefaults(t *testing.T) {
	design := simWith([]float64{10, 9, 4}, nil, 2.5e6)

	max := NewBetaMax(model.X, 0, 0)
	max.ApplyDesignDefaults(design)
	assert.Equal(t, 10.0, max.Target())
	assert.Equal(t, 1.0, max.Tolerance())

	energy := NewEnergyTarget(0, 0)
	energy.ApplyDesignDefaults(design)
	assert.InDelta(t, 2.5, energy.Target(), 1e-12)
	assert.InDelta(t, 0.125, energy.Tolerance(), 1e-12)

	errObj := NewBetaMeanError(model.X, 1)
	errObj.ApplyDesignDefaults(design)
	assert.Equal(t, 0.05, errObj.Tolerance())

	assert.InDelta(t, 5.0, errObj.DisplayValue(0.05), 1e-12)
	assert.Equal(t, "Beta Mean Error X (%)", errObj.Label())
	assert.Equal(t, "Output Kinetic Energy (MeV)", energy.Label())
}

func TestCatalog(t *testing.T) {
	objs := Catalog()
	assert.Len(t, objs, 17)

	seen := map[string]bool{}
	for _, o := range objs {
		assert.False(t, seen[o.Name()], "duplicate %s", o.Name())
		seen[o.Name()] = true
		assert.False(t, o.Enabled())
	}
	for _, name := range []string{"Output Kinetic Energy", "Beta Max Z", "Beta Min X", "Eta Max Y", "Eta Min X", "Beta Worst Error Z"} {
		assert.True(t, seen[name], name)
	}
	assert.False(t, seen["Eta Max Z"])
}

func TestApplyConfig(t *testing.T) {
	objs := Catalog()
	enabled, target, tol := true, 6.0, 0.5
	require.NoError(t, ApplyConfig(objs, []config.ObjectiveConfig{
		{Name: "Beta Max X", Enabled: &enabled, Target: &target, Tolerance: &tol},
	}))
	o, ok := Find(objs, "Beta Max X")
	require.True(t, ok)
	assert.True(t, o.Enabled())
	assert.Equal(t, 6.0, o.Target())
	assert.Equal(t, 0.5, o.Tolerance())

	err := ApplyConfig(objs, []config.ObjectiveConfig{{Name: "Beta Max W"}})
	assert.ErrorIs(t, err, ErrUnknownObjective)
}

func TestSubscribeReplaysAndNotifies(t *testing.T) {
	o := NewBetaMax(model.X, 10, 1)
	var kinds []EventKind
	unsubscribe := o.Subscribe(func(e Event) { kinds = append(kinds, e.Kind) })
	assert.Equal(t, []EventKind{EventEnableChanged, EventSettingsChanged}, kinds)

	kinds = nil
	o.SetEnabled(true)
	o.SetEnabled(true)
	o.SetTarget(12)
	o.SetTolerance(1)
	assert.Equal(t, []EventKind{EventEnableChanged, EventSettingsChanged}, kinds)

	unsubscribe()
	kinds = nil
	o.SetEnabled(false)
	assert.Empty(t, kinds)
}

func TestWriteUpdateRoundTrip(t *testing.T) {
	src := Catalog()
	o, _ := Find(src, "Eta Max X")
	o.SetSettings(0.5, 0.05)
	o.SetEnabled(true)

	doc := persist.NewDocument("session")
	Write(doc, src)

	dst := Catalog()
	require.NoError(t, Update(doc, dst))
	got, _ := Find(dst, "Eta Max X")
	assert.True(t, got.Enabled())
	assert.Equal(t, 0.5, got.Target())
	assert.Equal(t, 0.05, got.Tolerance())

	bad := persist.NewDocument("session")
	b := bad.CreateChild(objectiveLabel)
	b.SetString("name", "Eta Max X")
	b.SetString("enabled", "maybe")
	assert.ErrorIs(t, Update(bad, dst), persist.ErrMalformedDocument)
}
