package pruner

import (
	"context"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/spachava753/tuner/internal/models"
)

var _ BracketScheduler = (*HyperbandPruner)(nil)

// HyperbandPruner runs several SuccessiveHalvingPruners side by side, one
// per bracket, each with a different MinEarlyStoppingRate. Trials are
// spread over brackets in proportion to each bracket's budget.
type HyperbandPruner struct {
	MinResource     int
	MaxResource     int
	ReductionFactor int
	BootstrapCount  int

	brackets []*SuccessiveHalvingPruner
	budgets  []int
	total    int
}

// NewHyperbandPruner builds the brackets for the resource range
// [minResource, maxResource].
func NewHyperbandPruner(minResource, maxResource, reductionFactor, bootstrapCount int) (*HyperbandPruner, error) {
	if minResource < 1 {
		return nil, fmt.Errorf("min_resource must be at least 1, got %d", minResource)
	}
	if maxResource < minResource {
		return nil, fmt.Errorf("max_resource %d must not be below min_resource %d", maxResource, minResource)
	}
	if reductionFactor < 2 {
		return nil, fmt.Errorf("reduction_factor must be at least 2, got %d", reductionFactor)
	}

	n := int(math.Floor(math.Log(float64(maxResource)/float64(minResource))/math.Log(float64(reductionFactor))+1e-9)) + 1
	p := &HyperbandPruner{
		MinResource:     minResource,
		MaxResource:     maxResource,
		ReductionFactor: reductionFactor,
		BootstrapCount:  bootstrapCount,
	}
	for i := range n {
		sh, err := NewSuccessiveHalvingPruner(minResource, reductionFactor, i, bootstrapCount)
		if err != nil {
			return nil, fmt.Errorf("bracket %d: %w", i, err)
		}
		s := n - 1 - i
		budget := int(math.Ceil(float64(n) * float64(intPow(reductionFactor, s)) / float64(s+1)))
		p.brackets = append(p.brackets, sh)
		p.budgets = append(p.budgets, budget)
		p.total += budget
	}
	return p, nil
}

// NumBrackets returns the number of brackets.
func (p *HyperbandPruner) NumBrackets() int {
	return len(p.brackets)
}

func (p *HyperbandPruner) AssignBracket(ctx context.Context, view StudyView, trial models.FrozenTrial) (int, error) {
	h := int(crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s_%d", view.Name(), trial.Number))) % uint32(p.total))
	for i, budget := range p.budgets {
		h -= budget
		if h < 0 {
			return i, nil
		}
	}
	return len(p.budgets) - 1, nil
}

func (p *HyperbandPruner) BracketPruner(bracketID int) Pruner {
	if bracketID < 0 || bracketID >= len(p.brackets) {
		return NopPruner{}
	}
	return p.brackets[bracketID]
}

// Prune delegates to the trial's bracket. view is expected to hold only
// trials of that bracket.
func (p *HyperbandPruner) Prune(ctx context.Context, view StudyView, trial models.FrozenTrial) (bool, error) {
	id, ok := models.AttrInt(trial.SystemAttrs, models.SystemAttrBracketID)
	if !ok {
		var err error
		if id, err = p.AssignBracket(ctx, view, trial); err != nil {
			return false, err
		}
	}
	return p.BracketPruner(id).Prune(ctx, view, trial)
}
