package study

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/pruner"
	"github.com/spachava753/tuner/internal/storage"
)

func TestOpenStorage(t *testing.T) {
	tests := []struct {
		locator string
		wantErr bool
	}{
		{"", false},
		{"memory", false},
		{"badger://:memory:", false},
		{"badger://", true},
		{"postgres://localhost/db", true},
	}
	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			store, err := OpenStorage(tt.locator)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, store.Close())
		})
	}
}

func TestCreateStudy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStorage()

	generated, err := CreateStudy(ctx, store, CreateOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(generated.Name(), "no-name-"))
	assert.Equal(t, models.DirectionMinimize, generated.Direction())

	s, err := CreateStudy(ctx, store, CreateOptions{StudyName: "lr-search", Direction: models.DirectionMaximize})
	require.NoError(t, err)
	assert.Equal(t, models.DirectionMaximize, s.Direction())

	_, err = CreateStudy(ctx, store, CreateOptions{StudyName: "lr-search"})
	require.ErrorIs(t, err, models.ErrDuplicatedStudy)

	loaded, err := CreateStudy(ctx, store, CreateOptions{StudyName: "lr-search", LoadIfExists: true})
	require.NoError(t, err)
	assert.Equal(t, s.ID(), loaded.ID())
	assert.Equal(t, models.DirectionMaximize, loaded.Direction(), "the stored direction wins")

	_, err = CreateStudy(ctx, store, CreateOptions{StudyName: "bad", Direction: "sideways"})
	require.ErrorIs(t, err, models.ErrInvalidDirection)

	fresh, err := CreateStudy(ctx, nil, CreateOptions{StudyName: "lr-search"})
	require.NoError(t, err)
	assert.NotSame(t, store, fresh.Storage())
}

func TestLoadStudySharesTrials(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStorage()

	a, err := CreateStudy(ctx, store, CreateOptions{StudyName: "shared"}, WithPruner(pruner.NopPruner{}))
	require.NoError(t, err)
	b, err := LoadStudy(ctx, store, "shared", WithPruner(pruner.NopPruner{}))
	require.NoError(t, err)

	ta, err := a.Ask(ctx)
	require.NoError(t, err)
	tb, err := b.Ask(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ta.Number())
	assert.Equal(t, 1, tb.Number())

	require.NoError(t, b.Tell(ctx, tb, models.TrialComplete, models.Float(2)))
	best, err := a.BestValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, best)

	_, err = LoadStudy(ctx, store, "missing")
	require.ErrorIs(t, err, models.ErrStudyNotFound)
	_, err = LoadStudy(ctx, nil, "shared")
	assert.Error(t, err)
}

func TestDeleteStudyAndSummaries(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStorage()

	for _, name := range []string{"a", "b", "c"} {
		s, err := CreateStudy(ctx, store, CreateOptions{StudyName: name}, WithPruner(pruner.NopPruner{}))
		require.NoError(t, err)
		require.NoError(t, s.Optimize(ctx, quadratic, OptimizeOptions{NTrials: 2}))
	}

	require.NoError(t, DeleteStudy(ctx, store, "b"))
	require.ErrorIs(t, DeleteStudy(ctx, store, "b"), models.ErrStudyNotFound)

	summaries, err := GetAllStudySummaries(ctx, store)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "a", summaries[0].StudyName)
	assert.Equal(t, "c", summaries[1].StudyName)
	for _, sum := range summaries {
		assert.Equal(t, 2, sum.NTrials)
		assert.NotNil(t, sum.BestTrial)
	}
}

func TestOptimizeOnBadger(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping on-disk badger test in short mode")
	}
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")

	store, err := OpenStorage("badger://" + dir)
	require.NoError(t, err)

	s, err := CreateStudy(ctx, store, CreateOptions{StudyName: "disk"}, WithPruner(pruner.NopPruner{}))
	require.NoError(t, err)
	require.NoError(t, s.Optimize(ctx, quadratic, OptimizeOptions{NTrials: 12, NJobs: 4}))
	require.NoError(t, store.Close())

	reopened, err := OpenStorage("badger://" + dir)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := LoadStudy(ctx, reopened, "disk")
	require.NoError(t, err)
	trials, err := loaded.Trials(ctx, false)
	require.NoError(t, err)
	require.Len(t, trials, 12)
	for i, trial := range trials {
		assert.Equal(t, i, trial.Number)
		assert.Equal(t, models.TrialComplete, trial.State)
		assert.Contains(t, trial.Params, "x")
	}
}
