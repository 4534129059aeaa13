package pruner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/spachava753/tuner/internal/models"
)

// ThresholdPruner prunes a trial whose latest intermediate value leaves the
// [Lower, Upper] band or is NaN. A nil bound is not checked.
type ThresholdPruner struct {
	Lower         *float64
	Upper         *float64
	NWarmupSteps  int
	IntervalSteps int
}

// NewThresholdPruner validates its arguments and returns a ThresholdPruner.
func NewThresholdPruner(lower, upper *float64, nWarmupSteps, intervalSteps int) (*ThresholdPruner, error) {
	if lower == nil && upper == nil {
		return nil, errors.New("either lower or upper must be set")
	}
	if lower != nil && upper != nil && *lower > *upper {
		return nil, fmt.Errorf("lower %v must not exceed upper %v", *lower, *upper)
	}
	if nWarmupSteps < 0 {
		return nil, fmt.Errorf("n_warmup_steps cannot be negative, got %d", nWarmupSteps)
	}
	if intervalSteps < 1 {
		return nil, fmt.Errorf("interval_steps must be at least 1, got %d", intervalSteps)
	}
	return &ThresholdPruner{
		Lower:         lower,
		Upper:         upper,
		NWarmupSteps:  nWarmupSteps,
		IntervalSteps: intervalSteps,
	}, nil
}

func (p *ThresholdPruner) Prune(ctx context.Context, view StudyView, trial models.FrozenTrial) (bool, error) {
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

	latest, _ := trial.IntermediateValues.Get(step)
	if math.IsNaN(latest) {
		return true, nil
	}
	if p.Lower != nil && latest < *p.Lower {
		return true, nil
	}
	if p.Upper != nil && latest > *p.Upper {
		return true, nil
	}
	return false, nil
}
