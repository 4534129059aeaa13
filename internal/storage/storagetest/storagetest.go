// Package storagetest holds the behaviour every storage.Storage must share.
// Backends run it from their own tests.
package storagetest

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/storage"
)

// Factory returns a fresh, empty storage. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run runs the conformance suite against storages built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"CreateStudy", testCreateStudy},
		{"Direction", testDirection},
		{"StudyAttrs", testStudyAttrs},
		{"SequentialNumbers", testSequentialNumbers},
		{"ConcurrentNumbers", testConcurrentNumbers},
		{"StateMachine", testStateMachine},
		{"FinishTrial", testFinishTrial},
		{"ConcurrentFinish", testConcurrentFinish},
		{"PopWaitingTrial", testPopWaitingTrial},
		{"Params", testParams},
		{"CategoricalChoiceKinds", testCategoricalChoiceKinds},
		{"IntermediateValues", testIntermediateValues},
		{"TrialAttrs", testTrialAttrs},
		{"TemplateCopy", testTemplateCopy},
		{"DeepCopy", testDeepCopy},
		{"BestTrial", testBestTrial},
		{"Summaries", testSummaries},
		{"DeleteStudy", testDeleteStudy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStorage(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func newStudy(t *testing.T, s storage.Storage, name string, direction models.StudyDirection) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.CreateNewStudy(ctx, name)
	require.NoError(t, err)
	require.NoError(t, s.SetStudyDirection(ctx, id, direction))
	return id
}

func newTrial(t *testing.T, s storage.Storage, studyID int64) int64 {
	t.Helper()
	id, err := s.CreateNewTrial(context.Background(), studyID, nil)
	require.NoError(t, err)
	return id
}

func finish(t *testing.T, s storage.Storage, trialID int64, value float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SetTrialStateValue(ctx, trialID, models.TrialComplete, &value))
}

func testCreateStudy(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	id, err := s.CreateNewStudy(ctx, "alpha")
	require.NoError(t, err)

	_, err = s.CreateNewStudy(ctx, "alpha")
	require.ErrorIs(t, err, models.ErrDuplicatedStudy)

	got, err := s.GetStudyIDFromName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	name, err := s.GetStudyNameFromID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)

	generated, err := s.CreateNewStudy(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, id, generated)
	name, err = s.GetStudyNameFromID(ctx, generated)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "no-name-"), "generated name %q", name)

	_, err = s.GetStudyIDFromName(ctx, "missing")
	require.ErrorIs(t, err, models.ErrStudyNotFound)

	direction, err := s.GetStudyDirection(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DirectionNotSet, direction)
}

func testDirection(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := newStudy(t, s, "dir", models.DirectionMaximize)

	require.NoError(t, s.SetStudyDirection(ctx, id, models.DirectionMaximize))
	err := s.SetStudyDirection(ctx, id, models.DirectionMinimize)
	require.ErrorIs(t, err, models.ErrInvalidDirection)

	direction, err := s.GetStudyDirection(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DirectionMaximize, direction)
}

func testStudyAttrs(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := newStudy(t, s, "attrs", models.DirectionMinimize)

	require.NoError(t, s.SetStudyUserAttr(ctx, id, "owner", "ml-team"))
	require.NoError(t, s.SetStudySystemAttr(ctx, id, "version", "2"))

	user, err := s.GetStudyUserAttrs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner": "ml-team"}, user)

	user["owner"] = "changed"
	user, err = s.GetStudyUserAttrs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ml-team", user["owner"])

	system, err := s.GetStudySystemAttrs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "2", system["version"])
}

func testSequentialNumbers(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a := newStudy(t, s, "a", models.DirectionMinimize)
	b := newStudy(t, s, "b", models.DirectionMinimize)

	for i := range 5 {
		trialID := newTrial(t, s, a)
		trial, err := s.GetTrial(ctx, trialID)
		require.NoError(t, err)
		assert.Equal(t, i, trial.Number)
		assert.Equal(t, models.TrialRunning, trial.State)
		assert.NotNil(t, trial.DatetimeStart)
		assert.Nil(t, trial.DatetimeComplete)

		studyID, err := s.GetStudyIDFromTrialID(ctx, trialID)
		require.NoError(t, err)
		assert.Equal(t, a, studyID)
	}

	// Numbers are scoped to a study.
	trial, err := s.GetTrial(ctx, newTrial(t, s, b))
	require.NoError(t, err)
	assert.Equal(t, 0, trial.Number)
}

func testConcurrentNumbers(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "concurrent", models.DirectionMinimize)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for range workers {
		wg.Go(func() {
			for range perWorker {
				if _, err := s.CreateNewTrial(ctx, studyID, nil); err != nil {
					errs <- err
				}
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	trials, err := s.GetAllTrials(ctx, studyID, false)
	require.NoError(t, err)
	require.Len(t, trials, workers*perWorker)
	seen := make(map[int64]bool)
	for i, trial := range trials {
		assert.Equal(t, i, trial.Number)
		assert.False(t, seen[trial.ID], "trial id %d reused", trial.ID)
		seen[trial.ID] = true
	}
}

func testStateMachine(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "states", models.DirectionMinimize)
	trialID := newTrial(t, s, studyID)

	err := s.SetTrialState(ctx, trialID, models.TrialWaiting)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	finish(t, s, trialID, 1.5)

	trial, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	assert.Equal(t, models.TrialComplete, trial.State)
	require.NotNil(t, trial.Value)
	assert.Equal(t, 1.5, *trial.Value)
	assert.NotNil(t, trial.DatetimeComplete)

	for _, state := range []models.TrialState{models.TrialRunning, models.TrialComplete, models.TrialFail} {
		err := s.SetTrialState(ctx, trialID, state)
		require.ErrorIs(t, err, models.ErrInvalidTransition, "COMPLETE -> %s", state)
	}
	require.ErrorIs(t, s.SetTrialValue(ctx, trialID, 2), models.ErrTrialFinished)
	require.ErrorIs(t, s.SetTrialIntermediateValue(ctx, trialID, 0, 2), models.ErrTrialFinished)
	require.ErrorIs(t, s.SetTrialUserAttr(ctx, trialID, "k", "v"), models.ErrTrialFinished)

	// System attributes stay writable for pruner bookkeeping.
	require.NoError(t, s.SetTrialSystemAttr(ctx, trialID, "k", "v"))

	_, err = s.GetTrial(ctx, 9999)
	require.ErrorIs(t, err, models.ErrTrialNotFound)
}

func testFinishTrial(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "finish", models.DirectionMinimize)

	pruned := newTrial(t, s, studyID)
	require.NoError(t, s.SetTrialStateValue(ctx, pruned, models.TrialPruned, nil))
	trial, err := s.GetTrial(ctx, pruned)
	require.NoError(t, err)
	assert.Equal(t, models.TrialPruned, trial.State)
	assert.Nil(t, trial.Value)
	assert.NotNil(t, trial.DatetimeComplete)

	done := newTrial(t, s, studyID)
	first, second := 1.0, 2.0
	require.NoError(t, s.SetTrialStateValue(ctx, done, models.TrialComplete, &first))
	err = s.SetTrialStateValue(ctx, done, models.TrialFail, &second)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	trial, err = s.GetTrial(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, models.TrialComplete, trial.State)
	require.NotNil(t, trial.Value)
	assert.Equal(t, 1.0, *trial.Value, "a rejected finish writes nothing")

	waitingID, err := s.CreateNewTrial(ctx, studyID, &models.FrozenTrial{State: models.TrialWaiting})
	require.NoError(t, err)
	err = s.SetTrialStateValue(ctx, waitingID, models.TrialComplete, &first)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	waiting, err := s.GetTrial(ctx, waitingID)
	require.NoError(t, err)
	assert.Equal(t, models.TrialWaiting, waiting.State)
	assert.Nil(t, waiting.Value)
}

func testConcurrentFinish(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "concurrent-finish", models.DirectionMinimize)
	trialID := newTrial(t, s, studyID)

	const writers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []float64
	)
	for i := range writers {
		wg.Go(func() {
			value := float64(i)
			if err := s.SetTrialStateValue(ctx, trialID, models.TrialComplete, &value); err == nil {
				mu.Lock()
				winner = append(winner, value)
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, models.ErrInvalidTransition)
			}
		})
	}
	wg.Wait()

	require.Len(t, winner, 1, "exactly one finish succeeds")
	trial, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	require.NotNil(t, trial.Value)
	assert.Equal(t, winner[0], *trial.Value)
}

func testPopWaitingTrial(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "waiting", models.DirectionMinimize)

	_, ok, err := s.PopWaitingTrial(ctx, studyID)
	require.NoError(t, err)
	assert.False(t, ok)

	template := &models.FrozenTrial{
		State:       models.TrialWaiting,
		SystemAttrs: map[string]any{models.SystemAttrFixedParams: map[string]any{"x": 5}},
	}
	waitingID, err := s.CreateNewTrial(ctx, studyID, template)
	require.NoError(t, err)

	waiting, err := s.GetTrial(ctx, waitingID)
	require.NoError(t, err)
	assert.Equal(t, models.TrialWaiting, waiting.State)
	assert.Nil(t, waiting.DatetimeStart)

	popped, ok, err := s.PopWaitingTrial(ctx, studyID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, waitingID, popped)

	running, err := s.GetTrial(ctx, popped)
	require.NoError(t, err)
	assert.Equal(t, models.TrialRunning, running.State)
	assert.NotNil(t, running.DatetimeStart)
	x, ok := models.AttrInt(running.FixedParams(), "x")
	require.True(t, ok)
	assert.Equal(t, 5, x)

	_, ok, err = s.PopWaitingTrial(ctx, studyID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testParams(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "params", models.DirectionMinimize)
	trialID := newTrial(t, s, studyID)

	intDist, err := models.NewIntDistribution(1, 10, false, 1)
	require.NoError(t, err)
	catDist, err := models.NewCategoricalDistribution([]any{"adam", "sgd"})
	require.NoError(t, err)
	floatDist, err := models.NewFloatDistribution(0, 1, false, 0)
	require.NoError(t, err)

	require.NoError(t, s.SetTrialParam(ctx, trialID, "layers", 4, intDist))
	require.NoError(t, s.SetTrialParam(ctx, trialID, "optimizer", 1, catDist))
	require.NoError(t, s.SetTrialParam(ctx, trialID, "lr", 0.25, floatDist))

	err = s.SetTrialParam(ctx, trialID, "layers", 0.5, floatDist)
	require.ErrorIs(t, err, models.ErrIncompatibleDistribution)
	require.Error(t, s.SetTrialParam(ctx, trialID, "dropout", 2, floatDist))

	trial, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	assert.Equal(t, 4, trial.Params["layers"])
	assert.Equal(t, "sgd", trial.Params["optimizer"])
	assert.Equal(t, 0.25, trial.Params["lr"])
	assert.True(t, models.EqualDistributions(intDist, trial.Distributions["layers"]))
	assert.NotContains(t, trial.Params, "dropout")
}

func testCategoricalChoiceKinds(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "choices", models.DirectionMinimize)

	choices := map[string][]any{
		"n":     {1, 2, 3},
		"ratio": {0.5, 2.0},
		"act":   {"relu", "tanh"},
		"bn":    {false, true},
	}
	trialID := newTrial(t, s, studyID)
	for name, c := range choices {
		dist, err := models.NewCategoricalDistribution(c)
		require.NoError(t, err)
		require.NoError(t, s.SetTrialParam(ctx, trialID, name, 1, dist))
	}
	finish(t, s, trialID, 0)

	check := func(trial models.FrozenTrial) {
		t.Helper()
		assert.Equal(t, 2, trial.Params["n"])
		assert.Equal(t, 2.0, trial.Params["ratio"])
		assert.Equal(t, "tanh", trial.Params["act"])
		assert.Equal(t, true, trial.Params["bn"])
		for name, c := range choices {
			dist, ok := trial.Distributions[name].(models.CategoricalDistribution)
			require.True(t, ok, name)
			assert.Equal(t, c, dist.Choices, name)
		}
	}

	trial, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	check(trial)

	all, err := s.GetAllTrials(ctx, studyID, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	check(all[0])

	best, err := s.GetBestTrial(ctx, studyID)
	require.NoError(t, err)
	check(best)
}

func testIntermediateValues(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "steps", models.DirectionMinimize)
	trialID := newTrial(t, s, studyID)

	require.NoError(t, s.SetTrialIntermediateValue(ctx, trialID, 2, 0.5))
	require.NoError(t, s.SetTrialIntermediateValue(ctx, trialID, 0, 0.9))
	require.NoError(t, s.SetTrialIntermediateValue(ctx, trialID, 2, 0.4))
	require.NoError(t, s.SetTrialIntermediateValue(ctx, trialID, 3, math.NaN()))
	require.Error(t, s.SetTrialIntermediateValue(ctx, trialID, -1, 0))

	trial, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	require.Len(t, trial.IntermediateValues, 3)
	assert.Equal(t, models.IntermediateValue{Step: 2, Value: 0.5}, trial.IntermediateValues[0], "first report of a step wins")
	assert.Equal(t, models.IntermediateValue{Step: 0, Value: 0.9}, trial.IntermediateValues[1])
	assert.Equal(t, 3, trial.IntermediateValues[2].Step)
	assert.True(t, math.IsNaN(trial.IntermediateValues[2].Value))
}

func testTrialAttrs(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "trial-attrs", models.DirectionMinimize)
	trialID := newTrial(t, s, studyID)

	require.NoError(t, s.SetTrialUserAttr(ctx, trialID, "note", "baseline"))
	require.NoError(t, s.SetTrialSystemAttr(ctx, trialID, models.SystemAttrBracketID, 1))

	trial, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	assert.Equal(t, "baseline", trial.UserAttrs["note"])
	bracket, ok := models.AttrInt(trial.SystemAttrs, models.SystemAttrBracketID)
	require.True(t, ok)
	assert.Equal(t, 1, bracket)
}

func testTemplateCopy(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "template", models.DirectionMinimize)
	newTrial(t, s, studyID)

	dist, err := models.NewFloatDistribution(0, 10, false, 0)
	require.NoError(t, err)
	template := models.FrozenTrial{
		ID:                 42,
		Number:             17,
		State:              models.TrialComplete,
		Value:              models.Float(3),
		Params:             map[string]any{"x": 2.0},
		Distributions:      map[string]models.Distribution{"x": dist},
		UserAttrs:          map[string]any{"source": "import"},
		SystemAttrs:        map[string]any{},
		IntermediateValues: models.IntermediateValues{{Step: 0, Value: 4}},
	}
	trialID, err := s.CreateNewTrial(ctx, studyID, &template)
	require.NoError(t, err)

	trial, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	assert.Equal(t, 1, trial.Number)
	assert.Equal(t, trialID, trial.ID)
	assert.Equal(t, models.TrialComplete, trial.State)
	assert.Equal(t, 3.0, *trial.Value)
	assert.Equal(t, 2.0, trial.Params["x"])
	assert.Equal(t, "import", trial.UserAttrs["source"])
	assert.NotNil(t, trial.DatetimeComplete)
	assert.Equal(t, models.IntermediateValues{{Step: 0, Value: 4}}, trial.IntermediateValues)
}

func testDeepCopy(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "copy", models.DirectionMinimize)
	trialID := newTrial(t, s, studyID)
	dist, err := models.NewFloatDistribution(0, 1, false, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetTrialParam(ctx, trialID, "x", 0.5, dist))

	trials, err := s.GetAllTrials(ctx, studyID, true)
	require.NoError(t, err)
	trials[0].Params["x"] = 0.9
	trials[0].UserAttrs["mutated"] = true

	again, err := s.GetAllTrials(ctx, studyID, false)
	require.NoError(t, err)
	assert.Equal(t, 0.5, again[0].Params["x"])
	assert.NotContains(t, again[0].UserAttrs, "mutated")
}

func testBestTrial(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tests := []struct {
		direction models.StudyDirection
		want      float64
	}{
		{models.DirectionMinimize, -2},
		{models.DirectionMaximize, 7},
	}
	for _, tt := range tests {
		studyID := newStudy(t, s, string(tt.direction), tt.direction)

		_, err := s.GetBestTrial(ctx, studyID)
		require.ErrorIs(t, err, models.ErrNoCompletedTrials)

		for _, v := range []float64{3, -2, 7, 0} {
			finish(t, s, newTrial(t, s, studyID), v)
		}
		// Pruned and running trials never count.
		pruned := newTrial(t, s, studyID)
		require.NoError(t, s.SetTrialValue(ctx, pruned, 100))
		require.NoError(t, s.SetTrialState(ctx, pruned, models.TrialPruned))
		newTrial(t, s, studyID)

		best, err := s.GetBestTrial(ctx, studyID)
		require.NoError(t, err)
		assert.Equal(t, tt.want, *best.Value, tt.direction)
	}
}

func testSummaries(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	first := newStudy(t, s, "first", models.DirectionMinimize)
	second := newStudy(t, s, "second", models.DirectionMaximize)
	require.NoError(t, s.SetStudyUserAttr(ctx, second, "team", "search"))

	finish(t, s, newTrial(t, s, second), 1)
	finish(t, s, newTrial(t, s, second), 5)
	newTrial(t, s, second)

	summaries, err := s.GetAllStudySummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, first, summaries[0].StudyID)
	assert.Equal(t, "first", summaries[0].StudyName)
	assert.Equal(t, 0, summaries[0].NTrials)
	assert.Nil(t, summaries[0].BestTrial)
	assert.Nil(t, summaries[0].DatetimeStart)

	assert.Equal(t, second, summaries[1].StudyID)
	assert.Equal(t, models.DirectionMaximize, summaries[1].Direction)
	assert.Equal(t, 3, summaries[1].NTrials)
	require.NotNil(t, summaries[1].BestTrial)
	assert.Equal(t, 5.0, *summaries[1].BestTrial.Value)
	assert.Equal(t, "search", summaries[1].UserAttrs["team"])
	assert.NotNil(t, summaries[1].DatetimeStart)
	assert.True(t, summaries[0].Less(summaries[1]))
}

func testDeleteStudy(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	studyID := newStudy(t, s, "doomed", models.DirectionMinimize)
	trialID := newTrial(t, s, studyID)
	keep := newStudy(t, s, "kept", models.DirectionMinimize)
	keptTrial := newTrial(t, s, keep)

	require.NoError(t, s.DeleteStudy(ctx, studyID))

	_, err := s.GetStudyIDFromName(ctx, "doomed")
	require.ErrorIs(t, err, models.ErrStudyNotFound)
	_, err = s.GetTrial(ctx, trialID)
	require.ErrorIs(t, err, models.ErrTrialNotFound)
	require.ErrorIs(t, s.DeleteStudy(ctx, studyID), models.ErrStudyNotFound)

	_, err = s.GetTrial(ctx, keptTrial)
	require.NoError(t, err)

	// The name is free again.
	_, err = s.CreateNewStudy(ctx, "doomed")
	require.NoError(t, err)
}
