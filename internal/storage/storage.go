package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/spachava753/tuner/internal/models"
)

// Storage persists studies and trials. Implementations must be safe for
// concurrent use by many Study instances sharing the same backend, and must
// allocate trial numbers atomically: numbers are sequential and gap-free
// within a study.
type Storage interface {
	// CreateNewStudy creates a study and returns its id. An empty name is
	// replaced by a generated one. Returns models.ErrDuplicatedStudy if the
	// name is taken.
	CreateNewStudy(ctx context.Context, name string) (int64, error)

	// DeleteStudy removes a study and all of its trials.
	DeleteStudy(ctx context.Context, studyID int64) error

	// SetStudyDirection sets the direction once. Setting the same direction
	// again is a no-op; setting a different one fails.
	SetStudyDirection(ctx context.Context, studyID int64, direction models.StudyDirection) error

	SetStudyUserAttr(ctx context.Context, studyID int64, key string, value any) error
	SetStudySystemAttr(ctx context.Context, studyID int64, key string, value any) error

	GetStudyIDFromName(ctx context.Context, name string) (int64, error)
	GetStudyIDFromTrialID(ctx context.Context, trialID int64) (int64, error)
	GetStudyNameFromID(ctx context.Context, studyID int64) (string, error)
	GetStudyDirection(ctx context.Context, studyID int64) (models.StudyDirection, error)
	GetStudyUserAttrs(ctx context.Context, studyID int64) (map[string]any, error)
	GetStudySystemAttrs(ctx context.Context, studyID int64) (map[string]any, error)

	// GetAllStudySummaries returns one summary per study, ordered by study id.
	GetAllStudySummaries(ctx context.Context) ([]models.StudySummary, error)

	// CreateNewTrial allocates the next trial number of the study. Without a
	// template the trial starts RUNNING; with one, its state, value, params,
	// attrs and intermediate values are copied under a fresh id and number.
	CreateNewTrial(ctx context.Context, studyID int64, template *models.FrozenTrial) (int64, error)

	// PopWaitingTrial moves the oldest WAITING trial of the study to RUNNING
	// and returns its id. ok is false when no trial is waiting.
	PopWaitingTrial(ctx context.Context, studyID int64) (trialID int64, ok bool, err error)

	// SetTrialState applies a state transition, rejecting any transition the
	// trial state machine does not allow with models.ErrInvalidTransition.
	SetTrialState(ctx context.Context, trialID int64, state models.TrialState) error

	// SetTrialStateValue finishes a RUNNING trial in one atomic step,
	// recording value (when not nil) before the state. It fails with
	// models.ErrInvalidTransition, writing nothing, if the trial is not
	// RUNNING.
	SetTrialStateValue(ctx context.Context, trialID int64, state models.TrialState, value *float64) error

	SetTrialParam(ctx context.Context, trialID int64, name string, internal float64, dist models.Distribution) error
	SetTrialValue(ctx context.Context, trialID int64, value float64) error
	SetTrialIntermediateValue(ctx context.Context, trialID int64, step int, value float64) error
	SetTrialUserAttr(ctx context.Context, trialID int64, key string, value any) error
	SetTrialSystemAttr(ctx context.Context, trialID int64, key string, value any) error

	// GetTrial returns a deep copy of the trial.
	GetTrial(ctx context.Context, trialID int64) (models.FrozenTrial, error)

	// GetAllTrials returns the trials of a study ordered by number. When
	// deepcopy is false callers must not mutate the returned trials.
	GetAllTrials(ctx context.Context, studyID int64, deepcopy bool) ([]models.FrozenTrial, error)

	// GetBestTrial returns the COMPLETE trial with the best value, or
	// models.ErrNoCompletedTrials.
	GetBestTrial(ctx context.Context, studyID int64) (models.FrozenTrial, error)

	// ReadTrialsFromRemoteStorage refreshes any local cache with trials
	// written by other writers. Backends without a cache treat it as a no-op.
	ReadTrialsFromRemoteStorage(ctx context.Context, studyID int64) error

	// Close releases backend resources.
	Close() error
}

// GenerateStudyName returns a unique name for a study created without one.
func GenerateStudyName() string {
	return "no-name-" + uuid.NewString()
}
