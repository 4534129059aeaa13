package pruner

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/spachava753/tuner/internal/models"
)

// PercentilePruner prunes a trial whose best intermediate value is worse than
// the given percentile of the values completed trials reported at the same
// step.
type PercentilePruner struct {
	Percentile     float64
	NStartupTrials int
	NWarmupSteps   int
	IntervalSteps  int
	NMinTrials     int
}

// NewPercentilePruner validates its arguments and returns a PercentilePruner.
func NewPercentilePruner(percentile float64, nStartupTrials, nWarmupSteps, intervalSteps, nMinTrials int) (*PercentilePruner, error) {
	if percentile < 0 || percentile > 100 {
		return nil, fmt.Errorf("percentile must be between 0 and 100, got %v", percentile)
	}
	if nStartupTrials < 0 {
		return nil, fmt.Errorf("n_startup_trials cannot be negative, got %d", nStartupTrials)
	}
	if nWarmupSteps < 0 {
		return nil, fmt.Errorf("n_warmup_steps cannot be negative, got %d", nWarmupSteps)
	}
	if intervalSteps < 1 {
		return nil, fmt.Errorf("interval_steps must be at least 1, got %d", intervalSteps)
	}
	if nMinTrials < 1 {
		return nil, fmt.Errorf("n_min_trials must be at least 1, got %d", nMinTrials)
	}
	return &PercentilePruner{
		Percentile:     percentile,
		NStartupTrials: nStartupTrials,
		NWarmupSteps:   nWarmupSteps,
		IntervalSteps:  intervalSteps,
		NMinTrials:     nMinTrials,
	}, nil
}

// NewMedianPruner returns a PercentilePruner at the 50th percentile.
func NewMedianPruner(nStartupTrials, nWarmupSteps, intervalSteps int) (*PercentilePruner, error) {
	return NewPercentilePruner(50, nStartupTrials, nWarmupSteps, intervalSteps, 1)
}

func (p *PercentilePruner) Prune(ctx context.Context, view StudyView, trial models.FrozenTrial) (bool, error) {
	step, ok := trial.LastStep()
	if !ok {
		return false, nil
	}
	if step < p.NWarmupSteps {
		return false, nil
	}
	if !isFirstInIntervalStep(step, trial.IntermediateValues.Steps(), p.NWarmupSteps, p.IntervalSteps) {
		return false, nil
	}

	trials, err := view.Trials(ctx, false)
	if err != nil {
		return false, fmt.Errorf("listing trials: %w", err)
	}
	completed := completedTrials(trials)
	if len(completed) == 0 || len(completed) < p.NStartupTrials {
		return false, nil
	}

	direction := view.Direction()
	best, ok := bestIntermediate(trial.IntermediateValues, direction)
	if !ok {
		return true, nil
	}

	var atStep []float64
	for _, t := range completed {
		if v, ok := t.IntermediateValues.Get(step); ok && !math.IsNaN(v) {
			atStep = append(atStep, v)
		}
	}
	if len(atStep) < p.NMinTrials {
		return false, nil
	}

	q := p.Percentile
	if direction == models.DirectionMaximize {
		q = 100 - q
	}
	threshold := percentile(atStep, q)

	if direction == models.DirectionMaximize {
		return best < threshold, nil
	}
	return best > threshold, nil
}

// bestIntermediate returns the best non-NaN value reported so far. ok is
// false when every value is NaN.
func bestIntermediate(values models.IntermediateValues, direction models.StudyDirection) (float64, bool) {
	found := false
	var best float64
	for _, iv := range values {
		if math.IsNaN(iv.Value) {
			continue
		}
		if !found || direction.Better(iv.Value, best) {
			best = iv.Value
			found = true
		}
	}
	return best, found
}

// percentile computes the q-th percentile of values with linear
// interpolation between the closest ranks.
func percentile(values []float64, q float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
