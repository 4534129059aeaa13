// Package sampler suggests parameter values for trials.
package sampler

import (
	"context"
	"log/slog"

	"github.com/spachava753/tuner/internal/models"
)

// StudyView is the part of a study a sampler may read.
type StudyView interface {
	Name() string
	Direction() models.StudyDirection
	Trials(ctx context.Context, deepcopy bool) ([]models.FrozenTrial, error)
}

// Sampler suggests the internal value of one parameter of a running trial.
// The returned value must be contained in dist. Implementations used with
// more than one concurrent worker must be safe for concurrent use.
type Sampler interface {
	SampleIndependent(ctx context.Context, view StudyView, trial models.FrozenTrial, name string, dist models.Distribution) (float64, error)
}

// FixedValue returns the internal value of name if trial was enqueued with it.
// Fixed values outside dist are ignored with a warning.
func FixedValue(trial models.FrozenTrial, name string, dist models.Distribution) (float64, bool) {
	fixed := trial.FixedParams()
	if fixed == nil {
		return 0, false
	}
	external, ok := fixed[name]
	if !ok {
		return 0, false
	}

	internal, err := dist.ToInternal(external)
	if err != nil || !dist.Contains(internal) {
		slog.Warn("fixed parameter does not fit its distribution, sampling instead",
			"trial", trial.Number, "param", name, "value", external)
		return 0, false
	}
	return internal, true
}
