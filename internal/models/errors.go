package models

import "errors"

var (
	// ErrDuplicatedStudy is returned when a study name is already taken in a storage.
	ErrDuplicatedStudy = errors.New("study name already exists")
	// ErrStudyNotFound is returned when no study matches a name or id.
	ErrStudyNotFound = errors.New("study not found")
	// ErrTrialNotFound is returned when no trial matches an id.
	ErrTrialNotFound = errors.New("trial not found")
	// ErrInvalidTransition is returned when a state change violates the trial state machine.
	ErrInvalidTransition = errors.New("invalid trial state transition")
	// ErrTrialFinished is returned when a finished trial is mutated.
	ErrTrialFinished = errors.New("trial is already finished")
	// ErrNoCompletedTrials is returned by best-trial lookups on a study without a COMPLETE trial.
	ErrNoCompletedTrials = errors.New("no completed trials")
	// ErrStopOutsideLoop is returned when Stop is called outside an active optimize loop.
	ErrStopOutsideLoop = errors.New("stop must be called from inside an objective or callback")
	// ErrOptimizeInProgress is returned when Optimize is entered twice on the same study instance.
	ErrOptimizeInProgress = errors.New("optimize is already running on this study")
	// ErrInvalidTrial is returned when a trial fails validation before insertion.
	ErrInvalidTrial = errors.New("invalid trial")
	// ErrInvalidDirection is returned for an unknown or conflicting study direction.
	ErrInvalidDirection = errors.New("invalid study direction")
	// ErrIncompatibleDistribution is returned when a parameter is suggested twice with different distributions.
	ErrIncompatibleDistribution = errors.New("incompatible parameter distribution")
	// ErrTrialPruned is returned by objectives to signal that the trial was pruned.
	ErrTrialPruned = errors.New("trial pruned")
)

// ErrorType identifies why a trial ended in the FAIL state.
type ErrorType string

const (
	// Objective phase
	ErrObjectiveFailed   ErrorType = "objective_failed"
	ErrObjectivePanicked ErrorType = "objective_panicked"
	ErrObjectiveNaN      ErrorType = "objective_nan"
	ErrObjectiveTimeout  ErrorType = "objective_timeout"

	// Command objective
	ErrCommandFailed ErrorType = "command_failed"
	ErrValueMissing  ErrorType = "value_missing"
)

// System attribute keys reserved for internal bookkeeping.
const (
	SystemAttrFixedParams = "fixed_params"
	SystemAttrBracketID   = "bracket_id"
	SystemAttrFailType    = "fail_type"
	SystemAttrFailReason  = "fail_reason"
)

// ObjectiveError carries the fail category of an objective error.
type ObjectiveError struct {
	Type ErrorType
	Err  error
}

func (e *ObjectiveError) Error() string {
	return string(e.Type) + ": " + e.Err.Error()
}

func (e *ObjectiveError) Unwrap() error {
	return e.Err
}
