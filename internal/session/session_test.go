package session

import (
	"context"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/device"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/model/modeltest"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/objective"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/online"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/solver"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nodeIDs = []string{"Q1", "Q2", "Q3"}

func testProbe() model.Probe {
	return model.Probe{Species: "H-", KineticEnergy: 2.5e6, RestEnergy: 939.294e6, Charge: -1}
}

// testStore has Q1 and Q2 on one supply (scale 2) and Q3 alone (scale 1)
func testStore(t *testing.T) *params.Store {
	t.Helper()
	store := params.NewStore()
	for i, spec := range []config.NodeSpec{
		{ID: "Q1", Type: config.NodeQuad, Position: 0, Supply: "PS1", Field: 2, Scale: 2},
		{ID: "Q2", Type: config.NodeQuad, Position: 1, Supply: "PS1", Field: 2, Scale: 2},
		{ID: "Q3", Type: config.NodeQuad, Position: 2, Supply: "PS3", Field: 3, Scale: 1},
	} {
		a, ok := device.NewAgent(spec)
		require.True(t, ok, i)
		require.NoError(t, a.PopulateLiveParameters(store))
	}
	return store
}

type fixture struct {
	engine  *modeltest.Engine
	store   *params.Store
	session *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := modeltest.New(modeltest.BetaTrajectory(nodeIDs, []float64{12, 11, 7}))
	store := testStore(t)
	sim := online.New(engine, nodeIDs, testProbe(), online.WithLogger(logger.Discard()))
	return &fixture{
		engine:  engine,
		store:   store,
		session: New("test", sim, store, WithLogger(logger.Discard())),
	}
}

func fieldKey(id string) model.InputKey {
	return model.InputKey{NodeID: id, Property: model.PropertyField}
}

func TestCatalogStartsDisabled(t *testing.T) {
	f := newFixture(t)

	assert.Len(t, f.session.Objectives(), len(objective.Catalog()))
	assert.Empty(t, f.session.EnabledObjectives())

	require.NoError(t, f.session.SetObjectiveEnabled("Beta Max X", true))
	enabled := f.session.EnabledObjectives()
	require.Len(t, enabled, 1)
	assert.Equal(t, "Beta Max X", enabled[0].Name())

	err := f.session.SetObjectiveEnabled("Beta Max Q", true)
	assert.ErrorIs(t, err, objective.ErrUnknownObjective)
}

func TestDesignSimulationIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.DesignSimulation(ctx)
	require.NoError(t, err)
	second, err := f.session.DesignSimulation(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, f.engine.RunCount())

	require.NoError(t, f.session.SetEvaluationNodes([]string{"Q1", "Q3"}))
	third, err := f.session.DesignSimulation(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, []string{"Q1", "Q3"}, third.EvaluationNodeIDs())

	require.NoError(t, f.session.SetEntranceProbe(testProbe()))
	_, err = f.session.DesignSimulation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.engine.RunCount())
}

func TestDesignSimulationFailureIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.engine.SetFailure(modeltest.ErrScripted)

	_, err := f.session.DesignSimulation(context.Background())
	assert.ErrorIs(t, err, online.ErrEngineFailure)

	f.engine.SetFailure(nil)
	sim, err := f.session.DesignSimulation(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sim)
}

func TestPrepareAndCleanupAreSymmetric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	foreign := model.InputKey{NodeID: "X", Property: model.PropertyField}
	f.engine.SetModelInput(foreign, 1)
	before := f.engine.ModelInputs()

	ps1, ok := f.store.CoreParameter("PS1:B_Set")
	require.True(t, ok)
	require.NoError(t, ps1.SetIsVariable(true))
	require.NoError(t, f.session.SetObjectiveEnabled("Beta Max X", true))
	betaMax, _ := f.session.Objective("Beta Max X")
	betaMax.SetSettings(100, 10)

	problem, evaluator, err := f.session.PrepareForSolving(ctx)
	require.NoError(t, err)
	require.Len(t, problem.Variables, 1)
	assert.Equal(t, "PS1:B_Set", problem.Variables[0].Name())
	assert.Len(t, problem.Objectives, 1)

	// design ran before any override was injected
	assert.Equal(t, [3]float64{12, 1, 1}, evaluator.Design().BetaMax())

	// PS3 sits on the Custom source so its value is pinned
	inputs := f.engine.ModelInputs()
	assert.Equal(t, 3.0, inputs[fieldKey("Q3")])
	assert.NotContains(t, inputs, fieldKey("Q1"))

	variables := f.session.Variables()
	require.Len(t, variables, 1)
	assert.Equal(t, []string{"Q1", "Q2"}, variables[0].NodeIDs())
	assert.Equal(t, model.PropertyField, variables[0].Accessor())

	_, _, err = f.session.PrepareForSolving(ctx)
	assert.ErrorIs(t, err, ErrAlreadyPrepared)

	trial := problem.NewTrial(map[string]float64{"PS1:B_Set": 1.5})
	require.NoError(t, evaluator.Evaluate(ctx, trial))
	inputs = f.engine.ModelInputs()
	assert.Equal(t, 3.0, inputs[fieldKey("Q1")])
	assert.Equal(t, 3.0, inputs[fieldKey("Q2")])

	score, ok := trial.Score("Beta Max X")
	require.True(t, ok)
	assert.Equal(t, 36.0, score.Value)
	assert.Equal(t, 1.0, score.Satisfaction)
	assert.NotNil(t, trial.Simulation())

	f.session.Cleanup()
	assert.Equal(t, before, f.engine.ModelInputs())
	assert.Empty(t, f.session.Variables())

	f.session.Cleanup()
	assert.Equal(t, before, f.engine.ModelInputs())
}

func TestDesignSourceCoresAreNotInjected(t *testing.T) {
	f := newFixture(t)
	for _, core := range f.store.CoreParameters() {
		require.NoError(t, core.SetActiveSource(params.SourceDesign))
	}
	ps3, _ := f.store.CoreParameter("PS3:B_Set")
	require.NoError(t, ps3.SetIsVariable(true))
	require.NoError(t, f.session.SetObjectiveEnabled("Beta Max X", true))

	_, _, err := f.session.PrepareForSolving(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.engine.ModelInputs())
	f.session.Cleanup()
}

func TestPrepareFailureLeavesNoOverrides(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.session.PrepareForSolving(context.Background())
	assert.ErrorIs(t, err, solver.ErrNoObjectives)
	assert.Empty(t, f.engine.ModelInputs())

	// a failed prepare does not block the next one
	require.NoError(t, f.session.SetObjectiveEnabled("Beta Max X", true))
	_, _, err = f.session.PrepareForSolving(context.Background())
	require.NoError(t, err)
	f.session.Cleanup()
	assert.Empty(t, f.engine.ModelInputs())
}

func TestEvaluatorReturnsEngineFailure(t *testing.T) {
	f := newFixture(t)
	ps1, _ := f.store.CoreParameter("PS1:B_Set")
	require.NoError(t, ps1.SetIsVariable(true))
	require.NoError(t, f.session.SetObjectiveEnabled("Beta Max X", true))

	problem, evaluator, err := f.session.PrepareForSolving(context.Background())
	require.NoError(t, err)
	defer f.session.Cleanup()

	f.engine.SetFailure(modeltest.ErrScripted)
	trial := problem.NewTrial(map[string]float64{"PS1:B_Set": 1})
	err = evaluator.Evaluate(context.Background(), trial)
	assert.ErrorIs(t, err, modeltest.ErrScripted)
	assert.Empty(t, trial.Scores())
	assert.Nil(t, trial.Simulation())
}

func TestApplyDesignDefaults(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.ApplyDesignDefaults(context.Background()))

	betaMax, ok := f.session.Objective("Beta Max X")
	require.True(t, ok)
	assert.Equal(t, 12.0, betaMax.Target())
	assert.InDelta(t, 1.2, betaMax.Tolerance(), 1e-12)

	energy, ok := f.session.Objective(objective.EnergyObjectiveName)
	require.True(t, ok)
	assert.InDelta(t, 2.5, energy.Target(), 1e-12)
}

func TestStopperSettings(t *testing.T) {
	f := newFixture(t)
	var events []EventKind
	unsubscribe := f.session.Subscribe(func(e Event) { events = append(events, e.Kind) })
	defer unsubscribe()

	// replay: stopper, then enable and settings for each objective
	require.Len(t, events, 1+2*len(f.session.Objectives()))
	assert.Equal(t, EventStopperChanged, events[0])
	events = nil

	f.session.SetStopperSettings(StopperSettings{MinTime: 10 * time.Second, MaxTime: 60 * time.Second, TargetSatisfaction: 0.9})
	f.session.UpdateSolveDuration(4 * time.Second)
	settings := f.session.StopperSettings()
	assert.Equal(t, 4*time.Second, settings.MaxTime)
	assert.Equal(t, 4*time.Second, settings.MinTime)
	assert.Equal(t, []EventKind{EventStopperChanged, EventStopperChanged}, events)

	// unchanged settings are not reported
	f.session.UpdateSolveDuration(4 * time.Second)
	assert.Len(t, events, 2)

	stopper := f.session.Stopper()
	assert.Equal(t, 4*time.Second, stopper.MaxTime)
	assert.Equal(t, 0.9, stopper.TargetSatisfaction)
}

func TestObjectiveEventsAreForwarded(t *testing.T) {
	f := newFixture(t)
	var events []Event
	f.session.Subscribe(func(e Event) { events = append(events, e) })
	events = nil

	require.NoError(t, f.session.SetObjectiveEnabled("Beta Min Y", true))
	o, _ := f.session.Objective("Beta Min Y")
	o.SetSettings(2, 0.5)

	require.Len(t, events, 2)
	assert.Equal(t, EventObjectiveEnableChanged, events[0].Kind)
	assert.Equal(t, EventObjectiveSettingsChanged, events[1].Kind)
	assert.Same(t, o, events[1].Objective)
}

func TestWriteAndUpdate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.SetObjectiveEnabled("Beta Max Y", true))
	o, _ := f.session.Objective("Beta Max Y")
	o.SetSettings(8, 0.5)
	f.session.SetStopperSettings(StopperSettings{MinTime: 2 * time.Second, MaxTime: 20 * time.Second, TargetSatisfaction: 0.95})

	doc := persist.NewDocument("session")
	f.session.Write(doc)

	restored := newFixture(t)
	require.NoError(t, restored.session.Update(doc))

	ro, _ := restored.session.Objective("Beta Max Y")
	assert.True(t, ro.Enabled())
	assert.Equal(t, 8.0, ro.Target())
	assert.Equal(t, 0.5, ro.Tolerance())
	assert.Equal(t, f.session.StopperSettings(), restored.session.StopperSettings())

	doc.Child(stopperLabel).SetString("maxTime", "soon")
	assert.ErrorIs(t, restored.session.Update(doc), persist.ErrMalformedDocument)
}
