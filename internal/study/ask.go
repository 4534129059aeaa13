package study

import (
	"context"
	"fmt"
	"math"

	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/pruner"
)

// Ask starts a trial and returns its handle. The oldest enqueued (WAITING)
// trial is started if there is one; otherwise a new RUNNING trial is
// created with the next number of the study.
func (s *Study) Ask(ctx context.Context) (*Trial, error) {
	if err := s.storage.ReadTrialsFromRemoteStorage(ctx, s.id); err != nil {
		return nil, fmt.Errorf("refreshing trials: %w", err)
	}

	trialID, ok, err := s.storage.PopWaitingTrial(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("popping waiting trial: %w", err)
	}
	if !ok {
		trialID, err = s.storage.CreateNewTrial(ctx, s.id, nil)
		if err != nil {
			return nil, fmt.Errorf("creating trial: %w", err)
		}
	}

	frozen, err := s.storage.GetTrial(ctx, trialID)
	if err != nil {
		return nil, fmt.Errorf("reading trial %d: %w", trialID, err)
	}

	if bs, ok := s.Pruner().(pruner.BracketScheduler); ok {
		if _, err := s.ensureBracket(ctx, bs, &frozen); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("trial started", "number", frozen.Number, "trial_id", trialID)
	return &Trial{study: s, id: trialID, number: frozen.Number}, nil
}

// Tell finishes a trial. state must be COMPLETE, PRUNED or FAIL, and a
// COMPLETE trial needs a non-NaN value. The trial must still be RUNNING;
// value and state are written together, so a rejected Tell writes nothing.
func (s *Study) Tell(ctx context.Context, trial *Trial, state models.TrialState, value *float64) error {
	if trial.study.id != s.id || trial.study.storage != s.storage {
		return fmt.Errorf("trial %d does not belong to study %s", trial.number, s.name)
	}
	if !state.IsFinished() {
		return fmt.Errorf("%w: tell requires a finished state, got %s", models.ErrInvalidTransition, state)
	}
	if state == models.TrialComplete {
		if value == nil {
			return fmt.Errorf("%w: a COMPLETE trial requires a value", models.ErrInvalidTransition)
		}
		if math.IsNaN(*value) {
			return fmt.Errorf("%w: a COMPLETE trial cannot have a NaN value", models.ErrInvalidTransition)
		}
	}

	if err := s.storage.SetTrialStateValue(ctx, trial.id, state, value); err != nil {
		return fmt.Errorf("telling trial %d: %w", trial.number, err)
	}

	attrs := []any{"number", trial.number, "state", state}
	if value != nil {
		attrs = append(attrs, "value", *value)
	}
	s.logger.Info("trial finished", attrs...)
	return nil
}

// EnqueueTrial adds a WAITING trial whose parameters are fixed to params.
// The next Ask picks it up, and samplers return the fixed values for it.
func (s *Study) EnqueueTrial(ctx context.Context, params map[string]any) error {
	template := &models.FrozenTrial{
		State:         models.TrialWaiting,
		Params:        map[string]any{},
		Distributions: map[string]models.Distribution{},
		UserAttrs:     map[string]any{},
		SystemAttrs: map[string]any{
			models.SystemAttrFixedParams: models.CloneAttrs(params),
		},
	}
	if _, err := s.storage.CreateNewTrial(ctx, s.id, template); err != nil {
		return fmt.Errorf("enqueueing trial: %w", err)
	}
	return nil
}

// AddTrial inserts a copy of trial, for example one taken from another
// study, under the next number of this study. The trial is validated first
// and nothing is written if it is inconsistent.
func (s *Study) AddTrial(ctx context.Context, trial models.FrozenTrial) error {
	if err := trial.Validate(); err != nil {
		return err
	}
	if _, err := s.storage.CreateNewTrial(ctx, s.id, &trial); err != nil {
		return fmt.Errorf("adding trial: %w", err)
	}
	return nil
}
