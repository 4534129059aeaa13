package sampler

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/util"
)

// RandomSampler draws every parameter independently and uniformly from its
// distribution (log-uniformly for log-scale distributions).
type RandomSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSampler returns a sampler seeded with seed, so that a sequential
// run is reproducible.
func NewRandomSampler(seed uint64) *RandomSampler {
	return &RandomSampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewUnseededRandomSampler returns a sampler seeded from the clock.
func NewUnseededRandomSampler() *RandomSampler {
	return NewRandomSampler(uint64(time.Now().UnixNano()))
}

func (s *RandomSampler) SampleIndependent(ctx context.Context, view StudyView, trial models.FrozenTrial, name string, dist models.Distribution) (float64, error) {
	if v, ok := FixedValue(trial, name, dist); ok {
		return v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch d := dist.(type) {
	case models.FloatDistribution:
		return s.sampleFloat(d), nil
	case models.IntDistribution:
		return s.sampleInt(d), nil
	case models.CategoricalDistribution:
		return float64(s.rng.IntN(len(d.Choices))), nil
	default:
		return 0, fmt.Errorf("random sampler: unsupported distribution %s", dist.Kind())
	}
}

func (s *RandomSampler) uniform(low, high float64) float64 {
	return low + s.rng.Float64()*(high-low)
}

func (s *RandomSampler) sampleFloat(d models.FloatDistribution) float64 {
	if d.Single() {
		return d.Low
	}
	switch {
	case d.Log:
		v := math.Exp(s.uniform(math.Log(d.Low), math.Log(d.High)))
		return util.Clamp(v, d.Low, d.High)
	case d.Step != 0:
		n := int(math.Floor((d.High-d.Low)/d.Step + 1e-8))
		v := d.Low + float64(s.rng.IntN(n+1))*d.Step
		return util.Clamp(v, d.Low, d.High)
	default:
		return util.Clamp(s.uniform(d.Low, d.High), d.Low, d.High)
	}
}

func (s *RandomSampler) sampleInt(d models.IntDistribution) float64 {
	if d.Single() {
		return float64(d.Low)
	}
	if d.Log {
		lo := math.Log(float64(d.Low) - 0.5)
		hi := math.Log(float64(d.High) + 0.5)
		v := int(math.Round(math.Exp(s.uniform(lo, hi))))
		return float64(util.Clamp(v, d.Low, d.High))
	}
	step := max(d.Step, 1)
	n := (d.High - d.Low) / step
	return float64(d.Low + s.rng.IntN(n+1)*step)
}
