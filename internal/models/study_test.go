package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	tests := []struct {
		in      string
		want    StudyDirection
		wantErr bool
	}{
		{"minimize", DirectionMinimize, false},
		{" MAXIMIZE ", DirectionMaximize, false},
		{"up", DirectionNotSet, true},
		{"", DirectionNotSet, true},
	}
	for _, tt := range tests {
		got, err := ParseDirection(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidDirection, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func complete(number int, value float64) FrozenTrial {
	return FrozenTrial{Number: number, State: TrialComplete, Value: Float(value)}
}

func TestBestOf(t *testing.T) {
	trials := []FrozenTrial{
		complete(0, 3),
		complete(1, 1),
		complete(2, 1),
		{Number: 3, State: TrialPruned, Value: Float(-10)},
		{Number: 4, State: TrialRunning},
		complete(5, 8),
	}

	best, err := BestOf(trials, DirectionMinimize)
	require.NoError(t, err)
	assert.Equal(t, 1, best.Number, "ties keep the lower number")

	best, err = BestOf(trials, DirectionMaximize)
	require.NoError(t, err)
	assert.Equal(t, 5, best.Number)

	best.Params = map[string]any{"mutated": true}
	assert.Nil(t, trials[5].Params)

	_, err = BestOf(trials[3:5], DirectionMinimize)
	assert.ErrorIs(t, err, ErrNoCompletedTrials)
}

func TestSortSummaries(t *testing.T) {
	summaries := []StudySummary{{StudyID: 3}, {StudyID: 1}, {StudyID: 2}}
	SortSummaries(summaries)
	for i, s := range summaries {
		assert.Equal(t, int64(i+1), s.StudyID)
	}
	assert.True(t, summaries[0].Less(summaries[1]))
	assert.False(t, summaries[0].Equal(summaries[1]))
}

func TestSummarize(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(90 * time.Second)
	done := start.Add(30 * time.Second)

	trials := []FrozenTrial{
		{Number: 0, State: TrialComplete, Value: Float(0.5), Params: map[string]any{"x": 1.0}, DatetimeStart: &start, DatetimeComplete: &done},
		{Number: 1, State: TrialPruned, Value: Float(0.9)},
		{Number: 2, State: TrialFail, SystemAttrs: map[string]any{SystemAttrFailType: string(ErrCommandFailed)}},
		{Number: 3, State: TrialComplete, Value: Float(0.2), Params: map[string]any{"x": 3.0}},
	}

	r := Summarize("demo", DirectionMinimize, trials, start, end)
	assert.Equal(t, 4, r.TotalTrials)
	assert.Equal(t, 2, r.CompletedTrials)
	assert.Equal(t, 1, r.PrunedTrials)
	assert.Equal(t, 1, r.FailedTrials)
	assert.Equal(t, 90.0, r.TotalDurationSec)
	require.NotNil(t, r.BestValue)
	assert.Equal(t, 0.2, *r.BestValue)
	assert.Equal(t, 3, *r.BestTrialNumber)
	assert.Equal(t, 3.0, r.BestParams["x"])
	require.NotNil(t, r.Results[0].DurationSec)
	assert.Equal(t, 30.0, *r.Results[0].DurationSec)
	assert.Equal(t, ErrCommandFailed, r.Results[2].FailType)
}
