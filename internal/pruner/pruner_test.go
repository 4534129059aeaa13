package pruner

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/tuner/internal/models"
)

// fakeView keeps trials in a slice and applies system attribute writes to it.
type fakeView struct {
	name      string
	direction models.StudyDirection
	trials    []models.FrozenTrial
}

func (v *fakeView) Name() string                     { return v.name }
func (v *fakeView) Direction() models.StudyDirection { return v.direction }

func (v *fakeView) Trials(ctx context.Context, deepcopy bool) ([]models.FrozenTrial, error) {
	out := make([]models.FrozenTrial, len(v.trials))
	for i, t := range v.trials {
		out[i] = t.Clone()
	}
	return out, nil
}

func (v *fakeView) SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error {
	for i := range v.trials {
		if v.trials[i].ID == trialID {
			if v.trials[i].SystemAttrs == nil {
				v.trials[i].SystemAttrs = map[string]any{}
			}
			v.trials[i].SystemAttrs[key] = value
		}
	}
	return nil
}

func (v *fakeView) trial(id int64) models.FrozenTrial {
	for _, t := range v.trials {
		if t.ID == id {
			return t.Clone()
		}
	}
	return models.FrozenTrial{}
}

func withValues(id int64, state models.TrialState, values ...float64) models.FrozenTrial {
	t := models.FrozenTrial{ID: id, Number: int(id), State: state, SystemAttrs: map[string]any{}}
	for step, v := range values {
		t.IntermediateValues = append(t.IntermediateValues, models.IntermediateValue{Step: step, Value: v})
	}
	return t
}

func TestNopPruner(t *testing.T) {
	prune, err := NopPruner{}.Prune(context.Background(), &fakeView{}, withValues(0, models.TrialRunning, math.NaN()))
	require.NoError(t, err)
	assert.False(t, prune)
}

func TestMedianPruner(t *testing.T) {
	ctx := context.Background()
	view := &fakeView{
		direction: models.DirectionMinimize,
		trials: []models.FrozenTrial{
			withValues(0, models.TrialComplete, 1, 0.5),
			withValues(1, models.TrialComplete, 2, 0.4),
			withValues(2, models.TrialComplete, 3, 0.3),
		},
	}
	p, err := NewMedianPruner(0, 0, 1)
	require.NoError(t, err)

	tests := []struct {
		name  string
		trial models.FrozenTrial
		want  bool
	}{
		{"no reports", withValues(9, models.TrialRunning), false},
		{"below median", withValues(9, models.TrialRunning, 1.5), false},
		{"above median", withValues(9, models.TrialRunning, 2.5), true},
		{"best so far counts", withValues(9, models.TrialRunning, 0.2, 0.45), false},
		{"all NaN", withValues(9, models.TrialRunning, math.NaN()), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Prune(ctx, view, tt.trial)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("maximize", func(t *testing.T) {
		maxView := &fakeView{direction: models.DirectionMaximize, trials: view.trials}
		got, err := p.Prune(ctx, maxView, withValues(9, models.TrialRunning, 1.5))
		require.NoError(t, err)
		assert.True(t, got)
	})
}

func TestMedianPrunerStartupAndWarmup(t *testing.T) {
	ctx := context.Background()
	view := &fakeView{
		direction: models.DirectionMinimize,
		trials: []models.FrozenTrial{
			withValues(0, models.TrialComplete, 1, 1, 1),
			withValues(1, models.TrialRunning, 0, 0, 0),
		},
	}

	startup, err := NewMedianPruner(2, 0, 1)
	require.NoError(t, err)
	got, err := startup.Prune(ctx, view, withValues(9, models.TrialRunning, 5))
	require.NoError(t, err)
	assert.False(t, got, "only one completed trial")

	warmup, err := NewMedianPruner(0, 2, 1)
	require.NoError(t, err)
	got, err = warmup.Prune(ctx, view, withValues(9, models.TrialRunning, 5, 5))
	require.NoError(t, err)
	assert.False(t, got, "step 1 is inside warmup")
	got, err = warmup.Prune(ctx, view, withValues(9, models.TrialRunning, 5, 5, 5))
	require.NoError(t, err)
	assert.True(t, got)
}

func TestPercentile(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	assert.Equal(t, 1.0, percentile(values, 0))
	assert.Equal(t, 2.5, percentile(values, 50))
	assert.Equal(t, 4.0, percentile(values, 100))
	assert.Equal(t, 7.0, percentile([]float64{7}, 25))
	assert.Equal(t, []float64{4, 1, 3, 2}, values)

	_, err := NewPercentilePruner(101, 0, 0, 1, 1)
	assert.Error(t, err)
}

func TestIsFirstInIntervalStep(t *testing.T) {
	steps := []int{0, 1, 2, 3, 4}
	assert.True(t, isFirstInIntervalStep(3, steps[:4], 0, 3))
	assert.False(t, isFirstInIntervalStep(4, steps, 0, 3))
	assert.True(t, isFirstInIntervalStep(2, []int{0, 2}, 0, 2))
}

func TestThresholdPruner(t *testing.T) {
	ctx := context.Background()
	lower, upper := 0.0, 1.0
	p, err := NewThresholdPruner(&lower, &upper, 1, 1)
	require.NoError(t, err)

	tests := []struct {
		name   string
		values []float64
		want   bool
	}{
		{"warmup", []float64{5}, false},
		{"inside", []float64{5, 0.5}, false},
		{"above", []float64{0.5, 1.5}, true},
		{"below", []float64{0.5, -0.1}, true},
		{"nan", []float64{0.5, math.NaN()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Prune(ctx, &fakeView{}, withValues(0, models.TrialRunning, tt.values...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = NewThresholdPruner(nil, nil, 0, 1)
	assert.Error(t, err)
}

func TestSuccessiveHalvingPrunesWorseHalf(t *testing.T) {
	ctx := context.Background()
	p, err := NewSuccessiveHalvingPruner(1, 2, 0, 0)
	require.NoError(t, err)

	view := &fakeView{direction: models.DirectionMinimize}
	for i, v := range []float64{0.1, 0.2, 0.3} {
		tr := withValues(int64(i), models.TrialComplete, v, v)
		tr.SystemAttrs[rungKey(0)] = v
		view.trials = append(view.trials, tr)
	}

	good := withValues(10, models.TrialRunning, 0.9, 0.15)
	bad := withValues(11, models.TrialRunning, 0.9, 0.5)
	view.trials = append(view.trials, good, bad)

	prune, err := p.Prune(ctx, view, view.trial(10))
	require.NoError(t, err)
	assert.False(t, prune, "0.15 is in the top half of {0.1, 0.2, 0.3, 0.15}")
	assert.Equal(t, 0.15, view.trial(10).SystemAttrs[rungKey(0)])

	prune, err = p.Prune(ctx, view, view.trial(11))
	require.NoError(t, err)
	assert.True(t, prune)
	assert.Equal(t, 0.5, view.trial(11).SystemAttrs[rungKey(0)])
}

func TestSuccessiveHalvingWaitsForRung(t *testing.T) {
	ctx := context.Background()
	p, err := NewSuccessiveHalvingPruner(4, 2, 0, 0)
	require.NoError(t, err)

	view := &fakeView{direction: models.DirectionMinimize, trials: []models.FrozenTrial{
		withValues(0, models.TrialRunning, 9, 9, 9),
	}}
	prune, err := p.Prune(ctx, view, view.trial(0))
	require.NoError(t, err)
	assert.False(t, prune)
	assert.Empty(t, view.trial(0).SystemAttrs)
}

func TestHyperbandBrackets(t *testing.T) {
	ctx := context.Background()
	p, err := NewHyperbandPruner(1, 27, 3, 0)
	require.NoError(t, err)
	require.Equal(t, 4, p.NumBrackets())

	view := &fakeView{name: "hb"}
	counts := make([]int, p.NumBrackets())
	for n := range 200 {
		trial := models.FrozenTrial{Number: n}
		id, err := p.AssignBracket(ctx, view, trial)
		require.NoError(t, err)
		again, err := p.AssignBracket(ctx, view, trial)
		require.NoError(t, err)
		require.Equal(t, id, again, "assignment must be deterministic")
		counts[id]++
	}
	for id, c := range counts {
		assert.Positive(t, c, "bracket %d never used", id)
	}

	for id := range p.NumBrackets() {
		sh, ok := p.BracketPruner(id).(*SuccessiveHalvingPruner)
		require.True(t, ok)
		assert.Equal(t, id, sh.MinEarlyStoppingRate)
	}
	assert.IsType(t, NopPruner{}, p.BracketPruner(99))

	_, err = NewHyperbandPruner(5, 2, 3, 0)
	assert.Error(t, err)
}
