package storage

import (
	"fmt"
	"time"

	"github.com/spachava753/tuner/internal/models"
)

// The helpers below apply one mutation to a trial record. Backends call them
// while holding whatever lock or transaction guards the record, so that the
// state machine is enforced identically everywhere.

// NewTrial builds the record of a freshly allocated trial.
func NewTrial(id int64, number int, template *models.FrozenTrial, now time.Time) models.FrozenTrial {
	if template == nil {
		start := now
		return models.FrozenTrial{
			ID:            id,
			Number:        number,
			State:         models.TrialRunning,
			DatetimeStart: &start,
			Params:        map[string]any{},
			Distributions: map[string]models.Distribution{},
			UserAttrs:     map[string]any{},
			SystemAttrs:   map[string]any{},
		}
	}

	t := template.Clone()
	t.ID = id
	t.Number = number
	if t.State == "" {
		t.State = models.TrialRunning
	}
	if t.DatetimeStart == nil && t.State != models.TrialWaiting {
		start := now
		t.DatetimeStart = &start
	}
	if t.State.IsFinished() && t.DatetimeComplete == nil {
		end := now
		t.DatetimeComplete = &end
	}
	return t
}

// ApplyState transitions t to state.
func ApplyState(t *models.FrozenTrial, state models.TrialState, now time.Time) error {
	if !models.CanTransition(t.State, state) {
		return fmt.Errorf("%w: trial %d from %s to %s", models.ErrInvalidTransition, t.Number, t.State, state)
	}
	t.State = state
	if state == models.TrialRunning {
		start := now
		t.DatetimeStart = &start
	}
	if state.IsFinished() {
		end := now
		t.DatetimeComplete = &end
	}
	return nil
}

// CheckUpdatable fails when t is finished.
func CheckUpdatable(t *models.FrozenTrial) error {
	if t.State.IsFinished() {
		return fmt.Errorf("%w: trial %d is %s", models.ErrTrialFinished, t.Number, t.State)
	}
	return nil
}

// ApplyValue records the objective value of t.
func ApplyValue(t *models.FrozenTrial, value float64) error {
	if err := CheckUpdatable(t); err != nil {
		return err
	}
	t.Value = &value
	return nil
}

// ApplyParam records a suggested parameter of t.
func ApplyParam(t *models.FrozenTrial, name string, internal float64, dist models.Distribution) error {
	if err := CheckUpdatable(t); err != nil {
		return err
	}
	if existing, ok := t.Distributions[name]; ok && !models.EqualDistributions(existing, dist) {
		return fmt.Errorf("%w: param %q", models.ErrIncompatibleDistribution, name)
	}
	if !dist.Contains(internal) {
		return fmt.Errorf("param %q: value %v is outside its distribution", name, internal)
	}
	if t.Params == nil {
		t.Params = map[string]any{}
	}
	if t.Distributions == nil {
		t.Distributions = map[string]models.Distribution{}
	}
	t.Params[name] = dist.ToExternal(internal)
	t.Distributions[name] = dist
	return nil
}

// ApplyStateValue finishes a RUNNING trial: value (when not nil) is recorded
// first, then the state. Nothing is applied if t is not RUNNING.
func ApplyStateValue(t *models.FrozenTrial, state models.TrialState, value *float64, now time.Time) error {
	if t.State != models.TrialRunning {
		return fmt.Errorf("%w: trial %d is %s", models.ErrInvalidTransition, t.Number, t.State)
	}
	if value != nil {
		if err := ApplyValue(t, *value); err != nil {
			return err
		}
	}
	return ApplyState(t, state, now)
}

// ApplyIntermediateValue records value at step. The first value reported
// for a step is kept; later reports of the same step change nothing.
func ApplyIntermediateValue(t *models.FrozenTrial, step int, value float64) error {
	if err := CheckUpdatable(t); err != nil {
		return err
	}
	if step < 0 {
		return fmt.Errorf("step must be non-negative, got %d", step)
	}
	if t.IntermediateValues.Has(step) {
		return nil
	}
	t.IntermediateValues = append(t.IntermediateValues, models.IntermediateValue{Step: step, Value: value})
	return nil
}

// ApplyUserAttr sets a user attribute of t.
func ApplyUserAttr(t *models.FrozenTrial, key string, value any) error {
	if err := CheckUpdatable(t); err != nil {
		return err
	}
	if t.UserAttrs == nil {
		t.UserAttrs = map[string]any{}
	}
	t.UserAttrs[key] = models.CloneAttrs(map[string]any{key: value})[key]
	return nil
}

// ApplySystemAttr sets a system attribute of t. System attributes stay
// writable after the trial finishes, since pruners record rung values on
// trials they have just stopped.
func ApplySystemAttr(t *models.FrozenTrial, key string, value any) error {
	if t.SystemAttrs == nil {
		t.SystemAttrs = map[string]any{}
	}
	t.SystemAttrs[key] = models.CloneAttrs(map[string]any{key: value})[key]
	return nil
}

// Summarize builds a StudySummary from a study's records.
func Summarize(studyID int64, name string, direction models.StudyDirection, userAttrs, systemAttrs map[string]any, trials []models.FrozenTrial) models.StudySummary {
	s := models.StudySummary{
		StudyID:     studyID,
		StudyName:   name,
		Direction:   direction,
		UserAttrs:   models.CloneAttrs(userAttrs),
		SystemAttrs: models.CloneAttrs(systemAttrs),
		NTrials:     len(trials),
	}
	if best, err := models.BestOf(trials, direction); err == nil {
		s.BestTrial = &best
	}
	for _, t := range trials {
		if t.DatetimeStart == nil {
			continue
		}
		if s.DatetimeStart == nil || t.DatetimeStart.Before(*s.DatetimeStart) {
			ts := *t.DatetimeStart
			s.DatetimeStart = &ts
		}
	}
	return s
}
