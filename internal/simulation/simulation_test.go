package simulation

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
)

func state(id string, pos, betaX, etaX float64) model.State {
	return model.State{
		ElementID:     id,
		Position:      pos,
		KineticEnergy: 2.5e6,
		RestEnergy:    938.272e6,
		Charge:        1,
		Twiss: [3]model.Twiss{
			{Alpha: -1, Beta: betaX, Emittance: 1e-6},
			{Alpha: 1, Beta: 2 * betaX, Emittance: 2e-6},
			{Alpha: 0, Beta: 3, Emittance: 3e-6},
		},
		Dispersion: [2]float64{etaX, 0},
	}
}

func trajectory() *model.Trajectory {
	return &model.Trajectory{States: []model.State{
		state("BEGIN", 0, 1, 0),
		state("Q1", 0.5, 4, 0.1),
		state("C1:g0", 1.0, 6, -0.2),
		state("C1:g1", 1.1, 7, -0.3),
		state("Q2", 1.5, 2, 0.05),
		{ElementID: "END", Position: 2, KineticEnergy: 3e6, RestEnergy: 938.272e6},
	}}
}

func TestStatesMatchByPrefixInAnyOrder(t *testing.T) {
	sim := New(trajectory(), []string{"Q2", "C1", "MISSING", "Q1"}, nil)

	states := sim.States()
	require.Len(t, states, 4)
	assert.Equal(t, "Q2", states[0].ElementID)
	assert.Equal(t, "C1:g0", states[1].ElementID, "first matching state wins")
	assert.Nil(t, states[2])
	assert.Equal(t, "Q1", states[3].ElementID)

	assert.Equal(t, []string{"Q2", "C1:g0", "", "Q1"}, sim.EvaluationElementIDs())
	assert.True(t, math.IsNaN(sim.Beta()[model.X][2]))
	assert.True(t, math.IsNaN(sim.Positions()[2]))
}

func TestDerivedArrays(t *testing.T) {
	sim := New(trajectory(), []string{"Q1", "C1", "Q2"}, model.StateCalculator{})

	assert.Equal(t, []float64{4, 6, 2}, sim.Beta()[model.X])
	assert.Equal(t, []float64{8, 12, 4}, sim.Beta()[model.Y])
	assert.Equal(t, []float64{-1, -1, -1}, sim.Alpha()[model.X])
	assert.Equal(t, []float64{2e-6, 2e-6, 2e-6}, sim.Emittance()[model.Y])
	assert.Equal(t, []float64{0.1, -0.2, 0.05}, sim.Eta()[model.X])
	assert.Equal(t, []float64{0, 0, 0}, sim.Eta()[model.Z])
	assert.Equal(t, []float64{0.5, 1.0, 1.5}, sim.Positions())
	assert.InDelta(t, 2.5, sim.KineticEnergy()[0], 1e-12)
	assert.InDelta(t, 938.272, sim.RestEnergy()[1], 1e-9)
	assert.Equal(t, []float64{1, 1, 1}, sim.SpeciesCharge())
	assert.InDelta(t, 3.0, sim.OutputKineticEnergy(), 1e-12)
}

func TestExtrema(t *testing.T) {
	sim := New(trajectory(), []string{"Q1", "C1", "Q2"}, nil)

	assert.Equal(t, [3]float64{2, 4, 3}, sim.BetaMin())
	assert.Equal(t, [3]float64{6, 12, 3}, sim.BetaMax())
	assert.Equal(t, [3]float64{-0.2, 0, 0}, sim.EtaMin())
	assert.Equal(t, [3]float64{0.1, 0, 0}, sim.EtaMax())
}

func TestExtremaPropagateNaN(t *testing.T) {
	traj := trajectory()
	traj.States[2].Twiss[model.X].Beta = math.NaN()
	sim := New(traj, []string{"Q1", "C1", "Q2"}, nil)

	assert.True(t, math.IsNaN(sim.BetaMin()[model.X]))
	assert.True(t, math.IsNaN(sim.BetaMax()[model.X]))
	assert.Equal(t, 4.0, sim.BetaMin()[model.Y], "other axes unaffected")

	missing := New(trajectory(), []string{"Q1", "NOPE"}, nil)
	assert.True(t, math.IsNaN(missing.BetaMax()[model.Z]))
	assert.True(t, math.IsNaN(missing.EtaMax()[model.X]))
}

func TestBetaErrorsAgainstBase(t *testing.T) {
	base := New(trajectory(), []string{"Q1", "Q2"}, nil)

	traj := trajectory()
	traj.States[1].Twiss[model.X].Beta = 5 // 25% above 4
	traj.States[4].Twiss[model.X].Beta = 1 // 50% below 2
	sim := New(traj, []string{"Q1", "Q2"}, nil)

	percent := sim.PercentBetaError(base)
	assert.InDeltaSlice(t, []float64{25, 50}, percent[model.X], 1e-9)
	assert.InDelta(t, 0.375, sim.MeanBetaError(base)[model.X], 1e-12)
	assert.InDelta(t, 0.5, sim.WorstBetaError(base)[model.X], 1e-12)
	assert.Equal(t, 0.0, sim.WorstBetaError(base)[model.Z])

	self := sim.MeanBetaError(sim)
	assert.Equal(t, [3]float64{0, 0, 0}, self, "cache follows the base argument")
}

func TestBetaErrorsWithNoNodes(t *testing.T) {
	sim := New(trajectory(), nil, nil)
	assert.Equal(t, [3]float64{0, 0, 0}, sim.MeanBetaError(sim))
	assert.Equal(t, [3]float64{0, 0, 0}, sim.WorstBetaError(sim))
}

func TestBetaErrorsPropagateNaN(t *testing.T) {
	base := New(trajectory(), []string{"Q1", "Q2"}, nil)
	sim := New(trajectory(), []string{"Q1", "GONE"}, nil)

	assert.True(t, math.IsNaN(sim.MeanBetaError(base)[model.X]))
	assert.True(t, math.IsNaN(sim.WorstBetaError(base)[model.X]))
}

func TestConcurrentReaders(t *testing.T) {
	sim := New(trajectory(), []string{"Q1", "C1", "Q2"}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 6.0, sim.BetaMax()[model.X])
			assert.Len(t, sim.Eta()[model.Y], 3)
		}()
	}
	wg.Wait()
}

func TestEmptyTrajectory(t *testing.T) {
	sim := New(&model.Trajectory{}, []string{"Q1"}, nil)
	assert.True(t, math.IsNaN(sim.OutputKineticEnergy()))
	assert.Contains(t, sim.String(), "Output kinetic energy")
}
