package study

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/tuner/internal/models"
)

// ObjectiveFunc evaluates one trial. Returning an error wrapping
// models.ErrTrialPruned marks the trial PRUNED; any other error marks it
// FAIL. A *models.ObjectiveError chooses the recorded fail type.
type ObjectiveFunc func(ctx context.Context, trial *Trial) (float64, error)

// Callback runs after every finished trial. With NJobs > 1 callbacks run
// concurrently from several workers. A panicking callback ends the run with
// an error; the trial it saw stays recorded.
type Callback func(ctx context.Context, study *Study, trial models.FrozenTrial)

// OptimizeOptions bounds an Optimize run.
type OptimizeOptions struct {
	// NTrials is the number of trials to run. Zero means no limit.
	NTrials int
	// Timeout stops starting new trials once elapsed. Zero means no limit.
	Timeout time.Duration
	// NJobs is the number of concurrent workers. Values below 1 mean 1.
	NJobs int
	// Callbacks run after each finished trial.
	Callbacks []Callback
	// Catch reports whether a failed trial's error is tolerated. Untolerated
	// errors end the run and are returned.
	Catch func(error) bool
}

// Optimize runs trials until NTrials have started, Timeout elapses, Stop is
// called, ctx is cancelled or an objective fails. Trials in flight always get
// their final state recorded before Optimize returns. It returns ctx.Err()
// when ctx was cancelled.
func (s *Study) Optimize(ctx context.Context, objective ObjectiveFunc, opts OptimizeOptions) error {
	s.mu.Lock()
	if s.loopActive {
		s.mu.Unlock()
		return models.ErrOptimizeInProgress
	}
	s.loopActive = true
	s.stopRequested = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loopActive = false
		s.stopRequested = false
		s.mu.Unlock()
	}()

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}
	nJobs := max(opts.NJobs, 1)

	var started atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for range nJobs {
		g.Go(func() error {
			for {
				if gctx.Err() != nil || s.stopped() {
					return nil
				}
				if !deadline.IsZero() && time.Now().After(deadline) {
					return nil
				}
				if opts.NTrials > 0 && started.Add(1) > int64(opts.NTrials) {
					return nil
				}
				if err := s.runTrial(gctx, objective, opts); err != nil {
					return err
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if s.stopped() {
		s.logger.Info("optimization stopped")
	}
	return ctx.Err()
}

// runTrial asks for a trial, evaluates it and tells the outcome.
func (s *Study) runTrial(ctx context.Context, objective ObjectiveFunc, opts OptimizeOptions) error {
	trial, err := s.Ask(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("asking for a trial: %w", err)
	}

	value, objErr := callObjective(ctx, objective, trial)

	// The outcome is recorded even when ctx was cancelled during the trial.
	tellCtx := context.WithoutCancel(ctx)

	state := models.TrialComplete
	var recorded *float64
	var failType models.ErrorType
	var panicked bool

	switch {
	case objErr == nil && math.IsNaN(value):
		state = models.TrialFail
		failType = models.ErrObjectiveNaN
		objErr = errors.New("objective returned NaN")
	case objErr == nil:
		recorded = &value
	case errors.Is(objErr, models.ErrTrialPruned):
		state = models.TrialPruned
		recorded = lastIntermediate(tellCtx, trial)
		objErr = nil
	default:
		state = models.TrialFail
		failType = models.ErrObjectiveFailed
		var oe *models.ObjectiveError
		if errors.As(objErr, &oe) {
			failType = oe.Type
			panicked = oe.Type == models.ErrObjectivePanicked
		}
	}

	if state == models.TrialFail {
		if err := trial.SetSystemAttr(tellCtx, models.SystemAttrFailType, string(failType)); err != nil {
			return fmt.Errorf("recording failure of trial %d: %w", trial.Number(), err)
		}
		if err := trial.SetSystemAttr(tellCtx, models.SystemAttrFailReason, objErr.Error()); err != nil {
			return fmt.Errorf("recording failure of trial %d: %w", trial.Number(), err)
		}
		s.logger.Warn("trial failed", "number", trial.Number(), "fail_type", failType, "error", objErr)
	}

	if err := s.Tell(tellCtx, trial, state, recorded); err != nil {
		return err
	}

	frozen, err := trial.Frozen(tellCtx)
	if err != nil {
		return fmt.Errorf("reading trial %d: %w", trial.Number(), err)
	}
	for _, cb := range opts.Callbacks {
		if err := runCallback(ctx, cb, s, frozen); err != nil {
			return err
		}
	}

	if state != models.TrialFail || failType == models.ErrObjectiveNaN {
		return nil
	}
	if panicked {
		return fmt.Errorf("trial %d: %w", trial.Number(), objErr)
	}
	if ctx.Err() != nil {
		return nil
	}
	if opts.Catch != nil && opts.Catch(objErr) {
		return nil
	}
	return fmt.Errorf("trial %d: %w", trial.Number(), objErr)
}

// callObjective runs objective, turning a panic into an ObjectiveError.
func callObjective(ctx context.Context, objective ObjectiveFunc, trial *Trial) (value float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.ObjectiveError{
				Type: models.ErrObjectivePanicked,
				Err:  fmt.Errorf("panic: %v", r),
			}
		}
	}()
	return objective(ctx, trial)
}

// runCallback runs cb, turning a panic into an error that ends the run.
func runCallback(ctx context.Context, cb Callback, s *Study, trial models.FrozenTrial) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked after trial %d: %v", trial.Number, r)
		}
	}()
	cb(ctx, s, trial)
	return nil
}

// lastIntermediate returns the value reported at the last step, if any and
// not NaN.
func lastIntermediate(ctx context.Context, trial *Trial) *float64 {
	frozen, err := trial.Frozen(ctx)
	if err != nil {
		return nil
	}
	step, ok := frozen.LastStep()
	if !ok {
		return nil
	}
	v, _ := frozen.IntermediateValues.Get(step)
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
