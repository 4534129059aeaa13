package study

import (
	"context"
	"fmt"

	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/pruner"
)

// bracketView is a read-only view of a study restricted to the trials of one
// bracket. Trial listings are filtered on every call; everything else is
// served by the underlying study.
type bracketView struct {
	study     *Study
	bracketID int
}

var (
	_ pruner.StudyView = (*bracketView)(nil)
	_ pruner.StudyView = (*Study)(nil)
)

func (v *bracketView) Name() string { return v.study.Name() }

func (v *bracketView) Direction() models.StudyDirection { return v.study.Direction() }

func (v *bracketView) SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error {
	return v.study.SetTrialSystemAttr(ctx, trialID, key, value)
}

func (v *bracketView) Trials(ctx context.Context, deepcopy bool) ([]models.FrozenTrial, error) {
	trials, err := v.study.Trials(ctx, deepcopy)
	if err != nil {
		return nil, err
	}
	var out []models.FrozenTrial
	for _, t := range trials {
		if id, ok := models.AttrInt(t.SystemAttrs, models.SystemAttrBracketID); ok && id == v.bracketID {
			out = append(out, t)
		}
	}
	return out, nil
}

// BracketID returns the bracket the view is restricted to.
func (v *bracketView) BracketID() int { return v.bracketID }

// filterStudy returns the view of the study the pruner judges trial
// against. Bracket schedulers see only the trial's bracket; every other
// pruner sees the whole study.
func (s *Study) filterStudy(ctx context.Context, p pruner.Pruner, trial *models.FrozenTrial) (pruner.StudyView, error) {
	bs, ok := p.(pruner.BracketScheduler)
	if !ok {
		return s, nil
	}
	id, err := s.ensureBracket(ctx, bs, trial)
	if err != nil {
		return nil, err
	}
	return &bracketView{study: s, bracketID: id}, nil
}

// ensureBracket returns the bracket id of trial, assigning and persisting
// one if the trial has none yet.
func (s *Study) ensureBracket(ctx context.Context, bs pruner.BracketScheduler, trial *models.FrozenTrial) (int, error) {
	if id, ok := models.AttrInt(trial.SystemAttrs, models.SystemAttrBracketID); ok {
		return id, nil
	}

	id, err := bs.AssignBracket(ctx, s, *trial)
	if err != nil {
		return 0, fmt.Errorf("assigning bracket to trial %d: %w", trial.Number, err)
	}
	if err := s.storage.SetTrialSystemAttr(ctx, trial.ID, models.SystemAttrBracketID, id); err != nil {
		return 0, fmt.Errorf("recording bracket of trial %d: %w", trial.Number, err)
	}
	if trial.SystemAttrs == nil {
		trial.SystemAttrs = map[string]any{}
	}
	trial.SystemAttrs[models.SystemAttrBracketID] = id
	return id, nil
}
