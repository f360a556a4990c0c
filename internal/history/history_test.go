package history

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/device"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/model/modeltest"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/online"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/optimizer"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/session"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRecorder(t *testing.T, opts ...Option) *SQLiteRecorder {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	r, err := OpenSQLite(filepath.Join(t.TempDir(), "history.sqlite3"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordRunUpserts(t *testing.T) {
	r := openTestRecorder(t)
	started := time.UnixMilli(1_700_000_000_000)

	run := RunRecord{ID: "run-1", Session: "MEBT", StartedAt: started, Outcome: OutcomeRunning, BestSatisfaction: math.NaN()}
	require.NoError(t, r.RecordRun(run))

	runs, err := r.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, OutcomeRunning, runs[0].Outcome)
	assert.True(t, math.IsNaN(runs[0].BestSatisfaction))
	assert.True(t, runs[0].FinishedAt.IsZero())

	run.Outcome = OutcomeCompleted
	run.FinishedAt = started.Add(3 * time.Second)
	run.BestSatisfaction = 0.75
	run.Evaluations = 12
	require.NoError(t, r.RecordRun(run))

	runs, err = r.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, OutcomeCompleted, runs[0].Outcome)
	assert.Equal(t, 0.75, runs[0].BestSatisfaction)
	assert.Equal(t, 12, runs[0].Evaluations)
	assert.True(t, runs[0].StartedAt.Equal(started))
	assert.True(t, runs[0].FinishedAt.Equal(started.Add(3*time.Second)))
}

func TestTrialsAreBatched(t *testing.T) {
	r := openTestRecorder(t, WithBatchSize(2))

	trial := func(n int) TrialRecord {
		return TrialRecord{
			RunID:        "run-1",
			Number:       n,
			Satisfaction: 0.5,
			Point:        map[string]float64{"PS1:B_Set": float64(n)},
			Scores: []ScoreRecord{
				{Objective: "Beta Max X", Value: 12, Satisfaction: 0.5},
				{Objective: "Beta Max Y", Value: math.NaN(), Satisfaction: 0},
			},
		}
	}
	require.NoError(t, r.RecordTrial(trial(1)))
	assert.Len(t, r.pending, 1)
	require.NoError(t, r.RecordTrial(trial(2)))
	assert.Empty(t, r.pending)
	require.NoError(t, r.RecordTrial(trial(3)))

	trials, err := r.Trials("run-1")
	require.NoError(t, err)
	require.Len(t, trials, 3)
	assert.Equal(t, 3, trials[2].Number)
	assert.Equal(t, map[string]float64{"PS1:B_Set": 3}, trials[2].Point)
	require.Len(t, trials[0].Scores, 2)
	assert.Equal(t, "Beta Max X", trials[0].Scores[0].Objective)
	assert.Equal(t, 12.0, trials[0].Scores[0].Value)
	assert.True(t, math.IsNaN(trials[0].Scores[1].Value))

	none, err := r.Trials("run-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClosedRecorder(t *testing.T) {
	r := openTestRecorder(t)
	require.NoError(t, r.RecordTrial(TrialRecord{RunID: "run-1", Number: 1, Point: map[string]float64{}}))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.RecordRun(RunRecord{ID: "run-2"}), ErrClosed)
	assert.ErrorIs(t, r.RecordTrial(TrialRecord{}), ErrClosed)
	assert.ErrorIs(t, r.Flush(), ErrClosed)
	_, err := r.Runs()
	assert.ErrorIs(t, err, ErrClosed)
}

func newTestOptimizer(t *testing.T) (*optimizer.Optimizer, *modeltest.Engine) {
	t.Helper()
	store := params.NewStore()
	a, ok := device.NewAgent(config.NodeSpec{ID: "Q1", Type: config.NodeQuad, Supply: "PS1", Field: 2, Scale: 1})
	require.True(t, ok)
	require.NoError(t, a.PopulateLiveParameters(store))
	core, _ := store.CoreParameter("PS1:B_Set")
	require.NoError(t, core.SetIsVariable(true))

	engine := modeltest.New(modeltest.BetaTrajectory([]string{"Q1"}, []float64{5}))
	probe := model.Probe{Species: "H-", KineticEnergy: 2.5e6, RestEnergy: 939.294e6, Charge: -1}
	sim := online.New(engine, []string{"Q1"}, probe, online.WithLogger(logger.Discard()))
	sess := session.New("MEBT", sim, store, session.WithLogger(logger.Discard()))
	require.NoError(t, sess.SetObjectiveEnabled("Beta Max X", true))
	betaMax, _ := sess.Objective("Beta Max X")
	betaMax.SetSettings(20, 2)
	return optimizer.New(sess, optimizer.WithLogger(logger.Discard())), engine
}

func TestListenerRecordsEvaluation(t *testing.T) {
	r := openTestRecorder(t)
	opt, _ := newTestOptimizer(t)
	l := NewListener(r, WithListenerLogger(logger.Discard()))
	opt.Subscribe(l.Handle)

	require.NoError(t, opt.EvaluateInitialPoint(context.Background()))
	require.NotEmpty(t, l.RunID())

	runs, err := r.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, l.RunID(), runs[0].ID)
	assert.Equal(t, "MEBT", runs[0].Session)
	assert.Equal(t, OutcomeCompleted, runs[0].Outcome)
	assert.Equal(t, 1, runs[0].Evaluations)
	assert.Equal(t, 1.0, runs[0].BestSatisfaction)

	trials, err := r.Trials(l.RunID())
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, map[string]float64{"PS1:B_Set": 2}, trials[0].Point)
	require.Len(t, trials[0].Scores, 1)
	assert.Equal(t, 10.0, trials[0].Scores[0].Value)
}

func TestListenerRecordsFailure(t *testing.T) {
	r := openTestRecorder(t)
	opt, engine := newTestOptimizer(t)
	l := NewListener(r, WithListenerLogger(logger.Discard()))
	opt.Subscribe(l.Handle)
	engine.SetFailure(modeltest.ErrScripted)

	require.Error(t, opt.EvaluateInitialPoint(context.Background()))

	runs, err := r.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, OutcomeFailed, runs[0].Outcome)
	assert.Contains(t, runs[0].Error, modeltest.ErrScripted.Error())
	assert.Equal(t, 0, runs[0].Evaluations)
}

type failingRecorder struct{ calls int }

var errDisk = errors.New("disk full")

func (f *failingRecorder) RecordRun(RunRecord) error { f.calls++; return errDisk }
func (f *failingRecorder) RecordTrial(TrialRecord) error { f.calls++; return errDisk }
func (f *failingRecorder) Flush() error { f.calls++; return errDisk }
func (f *failingRecorder) Close() error { return nil }

func TestListenerSwallowsRecorderErrors(t *testing.T) {
	rec := &failingRecorder{}
	opt, _ := newTestOptimizer(t)
	l := NewListener(rec, WithListenerLogger(logger.Discard()))
	opt.Subscribe(l.Handle)

	require.NoError(t, opt.EvaluateInitialPoint(context.Background()))
	// started run, trial, finished run, flush
	assert.Equal(t, 4, rec.calls)
}
