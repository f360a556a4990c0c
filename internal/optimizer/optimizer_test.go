package optimizer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/device"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/model/modeltest"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/online"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/session"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/solver"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nodeIDs = []string{"Q1", "Q2", "Q3"}

const ps1 = "PS1:B_Set"

type fixture struct {
	engine    *modeltest.Engine
	store     *params.Store
	session   *session.Session
	optimizer *Optimizer
	events    *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// kinds lists the run lifecycle events, without scored trials and settings changes
func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, e := range l.events {
		if e.Kind != EventTrialScored && e.Kind != EventSettingsChanged {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (l *eventLog) has(kind EventKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

// newFixture builds Q1 and Q2 on PS1 (variable, raw design 1, scale 2) and Q3
// pinned on PS3, with Beta Max X enabled. The design simulation is computed
// up front so gated engines only see trial runs.
func newFixture(t *testing.T, maxEvaluations int, bound float64) *fixture {
	t.Helper()
	store := params.NewStore()
	for _, spec := range []config.NodeSpec{
		{ID: "Q1", Type: config.NodeQuad, Position: 0, Supply: "PS1", Field: 2, Scale: 2},
		{ID: "Q2", Type: config.NodeQuad, Position: 1, Supply: "PS1", Field: 2, Scale: 2},
		{ID: "Q3", Type: config.NodeQuad, Position: 2, Supply: "PS3", Field: 3, Scale: 1},
	} {
		a, ok := device.NewAgent(spec)
		require.True(t, ok)
		require.NoError(t, a.PopulateLiveParameters(store))
	}
	core, ok := store.CoreParameter(ps1)
	require.True(t, ok)
	require.NoError(t, core.SetIsVariable(true))

	engine := modeltest.New(modeltest.BetaTrajectory(nodeIDs, []float64{12, 11, 7}))
	probe := model.Probe{Species: "H-", KineticEnergy: 2.5e6, RestEnergy: 939.294e6, Charge: -1}
	sim := online.New(engine, nodeIDs, probe, online.WithLogger(logger.Discard()))
	sess := session.New("test", sim, store,
		session.WithLogger(logger.Discard()),
		session.WithMaxEvaluations(maxEvaluations),
		session.WithStopperSettings(session.StopperSettings{MaxTime: time.Minute, TargetSatisfaction: 0.99}))
	require.NoError(t, sess.SetObjectiveEnabled("Beta Max X", true))
	betaMax, _ := sess.Objective("Beta Max X")
	betaMax.SetSettings(bound, 2)
	_, err := sess.DesignSimulation(context.Background())
	require.NoError(t, err)

	f := &fixture{
		engine:    engine,
		store:     store,
		session:   sess,
		optimizer: New(sess, WithLogger(logger.Discard())),
		events:    &eventLog{},
	}
	f.optimizer.Subscribe(f.events.record)
	return f
}

func TestRunStopsAtTargetSatisfaction(t *testing.T) {
	f := newFixture(t, 50, 100)

	require.NoError(t, f.optimizer.Run(context.Background()))
	assert.False(t, f.optimizer.IsRunning())
	assert.False(t, f.store.Frozen())
	assert.Equal(t, []EventKind{EventStarted, EventNewOptimalSolution, EventStopped}, f.events.kinds())

	best := f.optimizer.BestSolution()
	require.NotNil(t, best)
	assert.Equal(t, 1.0, best.Satisfaction())
	assert.Equal(t, 1, f.optimizer.solver.ScoreBoard().Evaluations())
	assert.Equal(t, map[string]float64{ps1: 1}, f.optimizer.BestVariableValues())
	assert.NotNil(t, f.optimizer.BestSimulation())
	assert.Empty(t, f.engine.ModelInputs())
}

func TestRunImprovesWithinBudget(t *testing.T) {
	f := newFixture(t, 40, 20)

	require.NoError(t, f.optimizer.Run(context.Background()))
	assert.Equal(t, 40, f.optimizer.solver.ScoreBoard().Evaluations())

	kinds := f.events.kinds()
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, EventStarted, kinds[0])
	assert.Equal(t, EventStopped, kinds[len(kinds)-1])

	// the pinned Q3 keeps beta above 20, so the best pulls PS1 towards its lower limit
	best := f.optimizer.BestVariableValues()[ps1]
	assert.Less(t, best, 1.0)
	assert.Empty(t, f.engine.ModelInputs())
}

func TestRunIsExclusive(t *testing.T) {
	f := newFixture(t, 3, 20)
	gate := make(chan struct{})
	entered := make(chan struct{}, 8)
	f.engine.Gate, f.engine.Entered = gate, entered

	handle := f.optimizer.SpawnRun(context.Background())
	waitEntered(t, entered)
	gate <- struct{}{}
	waitEntered(t, entered)

	// first trial scored, second blocked in the engine
	require.True(t, f.optimizer.IsRunning())
	best := f.optimizer.BestSolution()
	require.NotNil(t, best)

	assert.ErrorIs(t, f.optimizer.Run(context.Background()), ErrRunInProgress)
	assert.ErrorIs(t, f.optimizer.EvaluateInitialPoint(context.Background()), ErrRunInProgress)
	assert.ErrorIs(t, f.optimizer.SetEvaluationNodes([]string{"Q1"}), ErrRunInProgress)
	assert.ErrorIs(t, f.optimizer.SetEntranceProbe(model.Probe{}), ErrRunInProgress)
	assert.ErrorIs(t, f.optimizer.Update(context.Background(), persist.NewDocument("optimizer")), ErrRunInProgress)
	assert.Same(t, best, f.optimizer.BestSolution())

	core, _ := f.store.CoreParameter(ps1)
	assert.ErrorIs(t, core.SetCustomValue(1.2), params.ErrFrozen)

	close(gate)
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run never finished")
	}
	require.NoError(t, handle.Wait())
	assert.False(t, f.optimizer.IsRunning())
	assert.Equal(t, 3, f.optimizer.solver.ScoreBoard().Evaluations())
	assert.Equal(t, EventStopped, f.events.last().Kind)
	assert.NoError(t, core.SetCustomValue(1.2))
}

func waitEntered(t *testing.T, entered <-chan struct{}) {
	t.Helper()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never entered")
	}
}

func TestRunFailureIsReported(t *testing.T) {
	f := newFixture(t, 10, 20)
	f.engine.SetFailure(modeltest.ErrScripted)

	err := f.optimizer.Run(context.Background())
	assert.ErrorIs(t, err, online.ErrEngineFailure)
	assert.Equal(t, []EventKind{EventStarted, EventFailed}, f.events.kinds())
	assert.ErrorIs(t, f.events.last().Err, modeltest.ErrScripted)
	assert.False(t, f.optimizer.IsRunning())
	assert.False(t, f.store.Frozen())
	assert.Empty(t, f.engine.ModelInputs())
}

func TestPrepareFailureFollowsStarted(t *testing.T) {
	f := newFixture(t, 10, 20)
	require.NoError(t, f.session.SetObjectiveEnabled("Beta Max X", false))

	err := f.optimizer.Run(context.Background())
	assert.ErrorIs(t, err, solver.ErrNoObjectives)
	assert.Equal(t, []EventKind{EventStarted, EventFailed}, f.events.kinds())
	assert.Empty(t, f.engine.ModelInputs())
}

func TestStopSolvingBeforeSearchStarts(t *testing.T) {
	f := newFixture(t, 30, 20)
	// Started is dispatched before the problem is prepared
	unsubscribe := f.optimizer.Subscribe(func(e Event) {
		if e.Kind == EventStarted {
			f.optimizer.StopSolving()
		}
	})

	require.NoError(t, f.optimizer.Run(context.Background()))
	assert.Equal(t, 0, f.optimizer.solver.ScoreBoard().Evaluations())
	assert.Equal(t, []EventKind{EventStarted, EventStopped}, f.events.kinds())
	assert.False(t, f.store.Frozen())
	assert.Empty(t, f.engine.ModelInputs())

	// the request does not carry over into the next run
	unsubscribe()
	require.NoError(t, f.optimizer.Run(context.Background()))
	assert.Equal(t, 30, f.optimizer.solver.ScoreBoard().Evaluations())
}

func TestCancelledRunEndsStopped(t *testing.T) {
	f := newFixture(t, 10, 20)
	gate := make(chan struct{})
	entered := make(chan struct{}, 8)
	f.engine.Gate, f.engine.Entered = gate, entered

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle := f.optimizer.SpawnRun(ctx)
	waitEntered(t, entered)
	cancel()

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run never finished")
	}
	assert.ErrorIs(t, handle.Wait(), context.Canceled)
	assert.False(t, f.events.has(EventFailed))
	assert.Equal(t, EventStopped, f.events.last().Kind)
	assert.False(t, f.store.Frozen())
	assert.Empty(t, f.engine.ModelInputs())
}

func TestEvaluateInitialPoint(t *testing.T) {
	f := newFixture(t, 10, 20)
	assert.False(t, f.optimizer.CanExportObjectiveResults())
	assert.ErrorIs(t, f.optimizer.ExportObjectiveResults(&bytes.Buffer{}), ErrNoSolution)

	require.NoError(t, f.optimizer.EvaluateInitialPoint(context.Background()))
	assert.Equal(t, []EventKind{EventStarted, EventNewOptimalSolution, EventStopped}, f.events.kinds())

	// betas 24, 22 and 21 all exceed 20
	best := f.optimizer.BestSolution()
	require.NotNil(t, best)
	score, ok := best.Score("Beta Max X")
	require.True(t, ok)
	assert.Equal(t, 24+0.25*22+0.0625*21, score.Value)
	assert.Equal(t, map[string]float64{ps1: 1}, f.optimizer.BestVariableValues())
	assert.Empty(t, f.engine.ModelInputs())

	var out bytes.Buffer
	require.True(t, f.optimizer.CanExportObjectiveResults())
	require.NoError(t, f.optimizer.ExportObjectiveResults(&out))
	assert.Contains(t, out.String(), "Input Energy (MeV):  ")
	assert.Contains(t, out.String(), "Beta Max X (m)\t30.8125\t")

	report, err := f.optimizer.ObjectiveReport()
	require.NoError(t, err)
	assert.InDelta(t, 2.5, report.Fields["inputEnergy"].GetNumberValue(), 1e-12)
	assert.Len(t, report.Fields["objectives"].GetListValue().GetValues(), 1)
	assert.Equal(t, 1.0, report.Fields["variables"].GetStructValue().Fields[ps1].GetNumberValue())

	// a late subscriber receives the best solution
	var replayed []EventKind
	f.optimizer.Subscribe(func(e Event) { replayed = append(replayed, e.Kind) })
	assert.Equal(t, []EventKind{EventNewOptimalSolution}, replayed)
}

func TestWriteAndUpdateReportsStoredSolution(t *testing.T) {
	f := newFixture(t, 10, 20)
	require.NoError(t, f.optimizer.EvaluateInitialPoint(context.Background()))
	doc := persist.NewDocument("optimizer")
	f.optimizer.Write(doc)

	solution := doc.Child(solutionLabel)
	require.NotNil(t, solution)
	solution.ChildrenNamed(variableLabel)[0].SetFloat("value", 1.25)

	restored := newFixture(t, 10, 30)
	require.NoError(t, restored.optimizer.Update(context.Background(), doc))
	assert.Equal(t, []EventKind{EventStarted, EventNewOptimalSolution, EventStopped}, restored.events.kinds())

	// objective settings came back with the session
	betaMax, _ := restored.session.Objective("Beta Max X")
	assert.Equal(t, 20.0, betaMax.Target())
	assert.Equal(t, map[string]float64{ps1: 1.25}, restored.optimizer.BestVariableValues())

	require.NoError(t, restored.optimizer.CopyOptimalToCustomValues())
	core, _ := restored.store.CoreParameter(ps1)
	assert.Equal(t, 1.25, core.CustomValue())
}

func TestSetSolvingDuration(t *testing.T) {
	f := newFixture(t, 10, 20)
	f.optimizer.SetSolvingDuration(4 * time.Second)

	assert.Equal(t, 4*time.Second, f.session.StopperSettings().MaxTime)
	assert.Equal(t, 4*time.Second, f.optimizer.solver.Stopper().MaxTime)
	assert.True(t, f.events.has(EventSettingsChanged))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "started", EventStarted.String())
	assert.Equal(t, "failed", EventFailed.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
