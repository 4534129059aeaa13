// Package pruner decides whether running trials should stop early.
package pruner

import (
	"context"

	"github.com/spachava753/tuner/internal/models"
)

// StudyView is the part of a study a pruner may see. For bracket schedulers
// it is restricted to the trials of one bracket.
type StudyView interface {
	Name() string
	Direction() models.StudyDirection
	Trials(ctx context.Context, deepcopy bool) ([]models.FrozenTrial, error)
	SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error
}

// Pruner decides whether trial should be pruned now, usually by comparing its
// intermediate values with those of other trials at the same step.
type Pruner interface {
	Prune(ctx context.Context, view StudyView, trial models.FrozenTrial) (bool, error)
}

// BracketScheduler is a Pruner that partitions trials into brackets with
// independent schedules. A study routes every pruning decision of such a
// pruner through a view holding only the trial's own bracket.
type BracketScheduler interface {
	Pruner

	// AssignBracket picks the bracket a new trial joins. It must be
	// deterministic for a given study name and trial number.
	AssignBracket(ctx context.Context, view StudyView, trial models.FrozenTrial) (int, error)

	// BracketPruner returns the pruner responsible for one bracket.
	BracketPruner(bracketID int) Pruner
}

// NopPruner never prunes.
type NopPruner struct{}

func (NopPruner) Prune(ctx context.Context, view StudyView, trial models.FrozenTrial) (bool, error) {
	return false, nil
}

func completedTrials(trials []models.FrozenTrial) []models.FrozenTrial {
	var out []models.FrozenTrial
	for _, t := range trials {
		if t.State == models.TrialComplete {
			out = append(out, t)
		}
	}
	return out
}

// isFirstInIntervalStep reports whether step is the first reported step in
// its pruning interval, so that a trial is judged at most once per interval.
func isFirstInIntervalStep(step int, steps []int, warmup, interval int) bool {
	nearestLower := (step-warmup)/interval*interval + warmup
	secondLast := -1
	for _, s := range steps {
		if s > secondLast && s != step {
			secondLast = s
		}
	}
	return secondLast < nearestLower
}
