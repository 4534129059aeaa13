package study

import (
	"context"
	"fmt"
	"time"

	"github.com/spachava753/tuner/internal/models"
)

// Trial is the handle an objective uses to suggest parameters and report
// progress. It holds no state of its own; every call goes to the storage.
type Trial struct {
	study  *Study
	id     int64
	number int
}

func (t *Trial) ID() int64 { return t.id }

func (t *Trial) Number() int { return t.number }

func (t *Trial) Study() *Study { return t.study }

// Frozen returns a snapshot of the trial.
func (t *Trial) Frozen(ctx context.Context) (models.FrozenTrial, error) {
	return t.study.storage.GetTrial(ctx, t.id)
}

type suggestOptions struct {
	log  bool
	step float64
}

// SuggestOption adjusts a numeric suggestion.
type SuggestOption func(*suggestOptions)

// WithLog samples on a log scale.
func WithLog() SuggestOption {
	return func(o *suggestOptions) { o.log = true }
}

// WithStep discretises the range into multiples of step from low.
func WithStep(step float64) SuggestOption {
	return func(o *suggestOptions) { o.step = step }
}

func applySuggestOptions(opts []SuggestOption) suggestOptions {
	var o suggestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SuggestFloat suggests a float in [low, high].
func (t *Trial) SuggestFloat(ctx context.Context, name string, low, high float64, opts ...SuggestOption) (float64, error) {
	o := applySuggestOptions(opts)
	dist, err := models.NewFloatDistribution(low, high, o.log, o.step)
	if err != nil {
		return 0, fmt.Errorf("suggesting %q: %w", name, err)
	}
	v, err := t.suggest(ctx, name, dist)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// SuggestInt suggests an integer in [low, high].
func (t *Trial) SuggestInt(ctx context.Context, name string, low, high int, opts ...SuggestOption) (int, error) {
	o := applySuggestOptions(opts)
	dist, err := models.NewIntDistribution(low, high, o.log, int(o.step))
	if err != nil {
		return 0, fmt.Errorf("suggesting %q: %w", name, err)
	}
	v, err := t.suggest(ctx, name, dist)
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// SuggestCategorical suggests one of choices.
func (t *Trial) SuggestCategorical(ctx context.Context, name string, choices []any) (any, error) {
	dist, err := models.NewCategoricalDistribution(choices)
	if err != nil {
		return nil, fmt.Errorf("suggesting %q: %w", name, err)
	}
	return t.suggest(ctx, name, dist)
}

// Suggest suggests a value of name drawn from dist. A parameter suggested
// before returns its recorded value, provided dist is the same.
func (t *Trial) Suggest(ctx context.Context, name string, dist models.Distribution) (any, error) {
	return t.suggest(ctx, name, dist)
}

func (t *Trial) suggest(ctx context.Context, name string, dist models.Distribution) (any, error) {
	frozen, err := t.Frozen(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading trial %d: %w", t.number, err)
	}

	if existing, ok := frozen.Distributions[name]; ok {
		if !models.EqualDistributions(existing, dist) {
			return nil, fmt.Errorf("%w: param %q of trial %d", models.ErrIncompatibleDistribution, name, t.number)
		}
		return frozen.Params[name], nil
	}

	internal, err := t.study.Sampler().SampleIndependent(ctx, t.study, frozen, name, dist)
	if err != nil {
		return nil, fmt.Errorf("sampling %q: %w", name, err)
	}
	if !dist.Contains(internal) {
		return nil, fmt.Errorf("sampler returned %v for %q, outside its distribution", internal, name)
	}
	if err := t.study.storage.SetTrialParam(ctx, t.id, name, internal, dist); err != nil {
		return nil, fmt.Errorf("recording %q: %w", name, err)
	}
	return dist.ToExternal(internal), nil
}

// Report records an intermediate value at step. Only the first report of a
// step counts; later ones are ignored with a warning, and storage keeps the
// first value when reports race.
func (t *Trial) Report(ctx context.Context, value float64, step int) error {
	if step < 0 {
		return fmt.Errorf("step must be non-negative, got %d", step)
	}

	frozen, err := t.Frozen(ctx)
	if err != nil {
		return fmt.Errorf("reading trial %d: %w", t.number, err)
	}
	if frozen.State.IsFinished() {
		return fmt.Errorf("%w: cannot report to trial %d in state %s", models.ErrTrialFinished, t.number, frozen.State)
	}
	if frozen.IntermediateValues.Has(step) {
		t.study.logger.Warn("step already reported, ignoring", "number", t.number, "step", step, "value", value)
		return nil
	}

	if err := t.study.storage.SetTrialIntermediateValue(ctx, t.id, step, value); err != nil {
		return fmt.Errorf("reporting step %d of trial %d: %w", step, t.number, err)
	}
	return nil
}

// ShouldPrune asks the study's pruner whether the trial should stop now.
// Bracket schedulers judge the trial only against its own bracket.
func (t *Trial) ShouldPrune(ctx context.Context) (bool, error) {
	frozen, err := t.Frozen(ctx)
	if err != nil {
		return false, fmt.Errorf("reading trial %d: %w", t.number, err)
	}

	p := t.study.Pruner()
	view, err := t.study.filterStudy(ctx, p, &frozen)
	if err != nil {
		return false, err
	}
	prune, err := p.Prune(ctx, view, frozen)
	if err != nil {
		return false, fmt.Errorf("pruning trial %d: %w", t.number, err)
	}
	return prune, nil
}

func (t *Trial) SetUserAttr(ctx context.Context, key string, value any) error {
	return t.study.storage.SetTrialUserAttr(ctx, t.id, key, value)
}

func (t *Trial) SetSystemAttr(ctx context.Context, key string, value any) error {
	return t.study.storage.SetTrialSystemAttr(ctx, t.id, key, value)
}

func (t *Trial) Params(ctx context.Context) (map[string]any, error) {
	frozen, err := t.Frozen(ctx)
	if err != nil {
		return nil, err
	}
	return frozen.Params, nil
}

func (t *Trial) Distributions(ctx context.Context) (map[string]models.Distribution, error) {
	frozen, err := t.Frozen(ctx)
	if err != nil {
		return nil, err
	}
	return frozen.Distributions, nil
}

func (t *Trial) UserAttrs(ctx context.Context) (map[string]any, error) {
	frozen, err := t.Frozen(ctx)
	if err != nil {
		return nil, err
	}
	return frozen.UserAttrs, nil
}

func (t *Trial) SystemAttrs(ctx context.Context) (map[string]any, error) {
	frozen, err := t.Frozen(ctx)
	if err != nil {
		return nil, err
	}
	return frozen.SystemAttrs, nil
}

func (t *Trial) DatetimeStart(ctx context.Context) (*time.Time, error) {
	frozen, err := t.Frozen(ctx)
	if err != nil {
		return nil, err
	}
	return frozen.DatetimeStart, nil
}
