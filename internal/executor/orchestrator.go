package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/spachava753/tuner/internal/config"
	"github.com/spachava753/tuner/internal/environment"
	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/pruner"
	"github.com/spachava753/tuner/internal/sampler"
	"github.com/spachava753/tuner/internal/study"
)

// NewObjectiveFunc creates the objective of a study from its configuration.
// logDir is empty when trial logs are not kept.
type NewObjectiveFunc func(cfg config.StudyConfig, space config.SearchSpace, logDir string) (study.ObjectiveFunc, error)

// StudyOrchestrator runs a configured study to completion.
type StudyOrchestrator struct {
	cfg          config.StudyConfig
	space        config.SearchSpace
	sampler      sampler.Sampler
	pruner       pruner.Pruner
	newObjective NewObjectiveFunc
	callbacks    []study.Callback
}

// NewStudyOrchestrator creates a new study orchestrator.
func NewStudyOrchestrator(cfg config.StudyConfig, space config.SearchSpace, objectiveFactory NewObjectiveFunc, callbacks ...study.Callback) (*StudyOrchestrator, error) {
	var smp sampler.Sampler
	switch cfg.Sampler.Type {
	case "random":
		if cfg.Sampler.Seed != nil {
			smp = sampler.NewRandomSampler(*cfg.Sampler.Seed)
		} else {
			smp = sampler.NewUnseededRandomSampler()
		}
	default:
		return nil, fmt.Errorf("unsupported sampler type: %s", cfg.Sampler.Type)
	}

	p, err := NewPruner(cfg.Pruner)
	if err != nil {
		return nil, err
	}

	return &StudyOrchestrator{
		cfg:          cfg,
		space:        space,
		sampler:      smp,
		pruner:       p,
		newObjective: objectiveFactory,
		callbacks:    callbacks,
	}, nil
}

// NewPruner builds the pruner described by cfg.
func NewPruner(cfg config.PrunerConfig) (pruner.Pruner, error) {
	var (
		p   pruner.Pruner
		err error
	)
	switch cfg.Type {
	case "nop":
		p = pruner.NopPruner{}
	case "median":
		p, err = pruner.NewMedianPruner(cfg.NStartupTrials, cfg.NWarmupSteps, cfg.IntervalSteps)
	case "percentile":
		p, err = pruner.NewPercentilePruner(cfg.Percentile, cfg.NStartupTrials, cfg.NWarmupSteps, cfg.IntervalSteps, cfg.NMinTrials)
	case "threshold":
		p, err = pruner.NewThresholdPruner(cfg.Lower, cfg.Upper, cfg.NWarmupSteps, cfg.IntervalSteps)
	case "successive_halving":
		p, err = pruner.NewSuccessiveHalvingPruner(cfg.MinResource, cfg.ReductionFactor, cfg.MinEarlyStoppingRate, cfg.BootstrapCount)
	case "hyperband":
		p, err = pruner.NewHyperbandPruner(cfg.MinResource, cfg.MaxResource, cfg.ReductionFactor, cfg.BootstrapCount)
	default:
		return nil, fmt.Errorf("unsupported pruner type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s pruner: %w", cfg.Type, err)
	}
	return p, nil
}

// Run creates or loads the study, enqueues the configured trials and
// optimizes. The result covers the trials finished by this run. A cancelled
// context still yields a result, marked cancelled.
func (o *StudyOrchestrator) Run(ctx context.Context) (*models.OptimizeResult, error) {
	startTime := time.Now()

	store, err := study.OpenStorage(o.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	direction, err := o.cfg.StudyDirection()
	if err != nil {
		return nil, err
	}

	st, err := study.CreateStudy(ctx, store, study.CreateOptions{
		StudyName:    o.cfg.StudyName,
		Direction:    direction,
		LoadIfExists: o.cfg.LoadIfExists,
	}, study.WithSampler(o.sampler), study.WithPruner(o.pruner))
	if err != nil {
		return nil, err
	}

	for k, v := range o.cfg.UserAttrs {
		if err := st.SetUserAttr(ctx, k, v); err != nil {
			return nil, fmt.Errorf("setting user attr %s: %w", k, err)
		}
	}

	existing, err := st.Trials(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("reading existing trials: %w", err)
	}
	firstNumber := len(existing)

	for _, params := range o.cfg.Enqueue {
		if err := st.EnqueueTrial(ctx, params); err != nil {
			return nil, err
		}
	}

	var logDir string
	if o.cfg.LogDir != "" {
		logDir = filepath.Join(o.cfg.LogDir, st.Name())
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		cfgJSON, _ := json.MarshalIndent(o.cfg, "", "  ")
		os.WriteFile(filepath.Join(logDir, "config.json"), cfgJSON, 0644)
	}

	objective, err := o.newObjective(o.cfg, o.space, logDir)
	if err != nil {
		return nil, fmt.Errorf("creating objective: %w", err)
	}

	var reachedTarget atomic.Bool
	callbacks := slices.Clone(o.callbacks)
	if o.cfg.TargetValue != nil {
		callbacks = append(callbacks, targetCallback(*o.cfg.TargetValue, &reachedTarget))
	}

	opts := study.OptimizeOptions{
		NTrials:   o.cfg.NTrials,
		Timeout:   time.Duration(o.cfg.TimeoutSec * float64(time.Second)),
		NJobs:     o.cfg.NJobs,
		Callbacks: callbacks,
		Catch:     catchTypes(o.cfg.Catch),
	}

	slog.Info("optimizing", "study", st.Name(), "n_trials", opts.NTrials, "n_jobs", opts.NJobs, "timeout", opts.Timeout)
	optErr := st.Optimize(ctx, objective, opts)
	cancelled := errors.Is(optErr, context.Canceled)
	if optErr != nil && !cancelled {
		return nil, fmt.Errorf("optimizing study %s: %w", st.Name(), optErr)
	}

	trials, err := st.Trials(context.WithoutCancel(ctx), true)
	if err != nil {
		return nil, fmt.Errorf("reading trials: %w", err)
	}
	var finished []models.FrozenTrial
	for _, t := range trials {
		if t.Number >= firstNumber && t.State.IsFinished() {
			finished = append(finished, t)
		}
	}

	result := models.Summarize(st.Name(), direction, finished, startTime, time.Now())
	result.Cancelled = cancelled
	result.Stopped = reachedTarget.Load()

	if logDir != "" {
		resultJSON, _ := json.MarshalIndent(result, "", "  ")
		os.WriteFile(filepath.Join(logDir, "result.json"), resultJSON, 0644)
	}

	return result, nil
}

// targetCallback stops the study once a COMPLETE trial reaches target.
func targetCallback(target float64, reached *atomic.Bool) study.Callback {
	return func(ctx context.Context, st *study.Study, trial models.FrozenTrial) {
		if trial.State != models.TrialComplete || trial.Value == nil {
			return
		}
		v := *trial.Value
		if v != target && !st.Direction().Better(v, target) {
			return
		}
		if reached.CompareAndSwap(false, true) {
			slog.Info("target value reached", "study", st.Name(), "number", trial.Number, "value", v)
		}
		if err := st.Stop(); err != nil {
			slog.Warn("stopping study", "study", st.Name(), "error", err)
		}
	}
}

// catchTypes tolerates failures whose fail type is listed. Errors without
// a type count as objective_failed.
func catchTypes(types []models.ErrorType) func(error) bool {
	return func(err error) bool {
		failType := models.ErrObjectiveFailed
		var oe *models.ObjectiveError
		if errors.As(err, &oe) {
			failType = oe.Type
		}
		return slices.Contains(types, failType)
	}
}

// DefaultObjectiveFunc runs the configured command for every trial in the
// configured environment.
func DefaultObjectiveFunc(cfg config.StudyConfig, space config.SearchSpace, logDir string) (study.ObjectiveFunc, error) {
	env, err := environment.New(cfg.Environment)
	if err != nil {
		return nil, err
	}
	obj := NewCommandObjective(cfg.Command, space, time.Duration(cfg.TrialTimeoutSec*float64(time.Second)))
	obj.LogDir = logDir
	obj.Env = env
	return obj.Evaluate, nil
}

// RunFromConfig loads a study config file and its search space, then runs
// the study.
func RunFromConfig(ctx context.Context, configPath string, callbacks ...study.Callback) (*models.OptimizeResult, error) {
	cfg, err := config.LoadStudyConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading study config: %w", err)
	}

	space, err := config.LoadSearchSpace(os.DirFS(filepath.Dir(cfg.SearchSpacePath)), filepath.Base(cfg.SearchSpacePath))
	if err != nil {
		return nil, fmt.Errorf("loading search space: %w", err)
	}

	orchestrator, err := NewStudyOrchestrator(cfg, space, DefaultObjectiveFunc, callbacks...)
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	return orchestrator.Run(ctx)
}
