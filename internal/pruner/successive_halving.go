package pruner

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/util"
)

const rungKeyPrefix = "completed_rung_"

func rungKey(rung int) string {
	return fmt.Sprintf("%s%d", rungKeyPrefix, rung)
}

// SuccessiveHalvingPruner implements asynchronous successive halving. A trial
// reaching the promotion step of its current rung records its value under
// "completed_rung_<rung>" and keeps running only if it ranks in the top
// 1/ReductionFactor of the values recorded at that rung.
type SuccessiveHalvingPruner struct {
	// MinResource is the step of the first rung. Zero estimates it from the
	// first completed trial.
	MinResource          int
	ReductionFactor      int
	MinEarlyStoppingRate int
	BootstrapCount       int
}

// NewSuccessiveHalvingPruner validates its arguments and returns a SuccessiveHalvingPruner.
func NewSuccessiveHalvingPruner(minResource, reductionFactor, minEarlyStoppingRate, bootstrapCount int) (*SuccessiveHalvingPruner, error) {
	if minResource < 0 {
		return nil, fmt.Errorf("min_resource cannot be negative, got %d", minResource)
	}
	if reductionFactor < 2 {
		return nil, fmt.Errorf("reduction_factor must be at least 2, got %d", reductionFactor)
	}
	if minEarlyStoppingRate < 0 {
		return nil, fmt.Errorf("min_early_stopping_rate cannot be negative, got %d", minEarlyStoppingRate)
	}
	if bootstrapCount < 0 {
		return nil, fmt.Errorf("bootstrap_count cannot be negative, got %d", bootstrapCount)
	}
	return &SuccessiveHalvingPruner{
		MinResource:          minResource,
		ReductionFactor:      reductionFactor,
		MinEarlyStoppingRate: minEarlyStoppingRate,
		BootstrapCount:       bootstrapCount,
	}, nil
}

func (p *SuccessiveHalvingPruner) Prune(ctx context.Context, view StudyView, trial models.FrozenTrial) (bool, error) {
	step, ok := trial.LastStep()
	if !ok {
		return false, nil
	}
	value, _ := trial.IntermediateValues.Get(step)
	rung := currentRung(trial)

	var trials []models.FrozenTrial
	minResource := p.MinResource
	for {
		if minResource == 0 {
			if trials == nil {
				var err error
				if trials, err = view.Trials(ctx, false); err != nil {
					return false, fmt.Errorf("listing trials: %w", err)
				}
			}
			minResource = estimateMinResource(trials)
			if minResource == 0 {
				return false, nil
			}
		}

		promotionStep := minResource * intPow(p.ReductionFactor, p.MinEarlyStoppingRate+rung)
		if step < promotionStep {
			return false, nil
		}
		if math.IsNaN(value) {
			return true, nil
		}

		if trials == nil {
			var err error
			if trials, err = view.Trials(ctx, false); err != nil {
				return false, fmt.Errorf("listing trials: %w", err)
			}
		}

		key := rungKey(rung)
		if err := view.SetTrialSystemAttr(ctx, trial.ID, key, value); err != nil {
			return false, fmt.Errorf("recording rung %d: %w", rung, err)
		}

		competing := competingValues(trials, trial.ID, value, key)
		if len(competing) <= p.BootstrapCount {
			return true, nil
		}
		if !promotable(value, competing, p.ReductionFactor, view.Direction()) {
			return true, nil
		}
		rung++
	}
}

func currentRung(trial models.FrozenTrial) int {
	rung := 0
	for k := range trial.SystemAttrs {
		if strings.HasPrefix(k, rungKeyPrefix) {
			rung++
		}
	}
	return rung
}

// competingValues gathers the values other trials recorded at a rung plus
// the value of the trial being judged.
func competingValues(trials []models.FrozenTrial, trialID int64, value float64, key string) []float64 {
	var values []float64
	for _, t := range trials {
		if t.ID == trialID {
			continue
		}
		if v, ok := util.ToFloat64(t.SystemAttrs[key]); ok {
			values = append(values, v)
		}
	}
	return append(values, value)
}

func promotable(value float64, competing []float64, reductionFactor int, direction models.StudyDirection) bool {
	idx := len(competing)/reductionFactor - 1
	if idx < 0 {
		idx = 0
	}
	sorted := slices.Clone(competing)
	slices.Sort(sorted)
	if direction == models.DirectionMaximize {
		return value >= sorted[len(sorted)-1-idx]
	}
	return value <= sorted[idx]
}

// estimateMinResource derives the first rung from the length of the first
// completed trial. It returns 0 while no trial has completed.
func estimateMinResource(trials []models.FrozenTrial) int {
	for _, t := range trials {
		if t.State != models.TrialComplete {
			continue
		}
		if last, ok := t.LastStep(); ok {
			return max((last+1)/100, 1)
		}
	}
	return 0
}

func intPow(base, exp int) int {
	result := 1
	for range exp {
		result *= base
	}
	return result
}
