package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/spachava753/tuner/internal/environment"
	"github.com/spachava753/tuner/internal/models"
)

// SamplerConfig selects and seeds the sampler.
type SamplerConfig struct {
	Type string  `yaml:"type" json:"type" validate:"oneof=random"`
	Seed *uint64 `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// PrunerConfig selects the pruner. Only the fields of the chosen type are read.
type PrunerConfig struct {
	Type string `yaml:"type" json:"type" validate:"oneof=nop median percentile threshold successive_halving hyperband"`

	// median, percentile
	NStartupTrials int     `yaml:"n_startup_trials" json:"n_startup_trials" validate:"gte=0"`
	NWarmupSteps   int     `yaml:"n_warmup_steps" json:"n_warmup_steps" validate:"gte=0"`
	IntervalSteps  int     `yaml:"interval_steps" json:"interval_steps" validate:"gte=1"`
	Percentile     float64 `yaml:"percentile" json:"percentile" validate:"gte=0,lte=100"`
	NMinTrials     int     `yaml:"n_min_trials" json:"n_min_trials" validate:"gte=1"`

	// threshold
	Lower *float64 `yaml:"lower,omitempty" json:"lower,omitempty"`
	Upper *float64 `yaml:"upper,omitempty" json:"upper,omitempty"`

	// successive_halving, hyperband
	MinResource          int `yaml:"min_resource" json:"min_resource" validate:"gte=0"`
	MaxResource          int `yaml:"max_resource" json:"max_resource" validate:"gte=0"`
	ReductionFactor      int `yaml:"reduction_factor" json:"reduction_factor" validate:"gte=2"`
	MinEarlyStoppingRate int `yaml:"min_early_stopping_rate" json:"min_early_stopping_rate" validate:"gte=0"`
	BootstrapCount       int `yaml:"bootstrap_count" json:"bootstrap_count" validate:"gte=0"`
}

// StudyConfig describes an optimization run driven by a shell command.
type StudyConfig struct {
	StudyName       string  `yaml:"study_name" json:"study_name"`
	Storage         string  `yaml:"storage" json:"storage"`
	Direction       string  `yaml:"direction" json:"direction" validate:"oneof=minimize maximize"`
	LoadIfExists    bool    `yaml:"load_if_exists" json:"load_if_exists"`
	NTrials         int     `yaml:"n_trials" json:"n_trials" validate:"gte=0"`
	NJobs           int     `yaml:"n_jobs" json:"n_jobs" validate:"gte=1"`
	TimeoutSec      float64 `yaml:"timeout_sec" json:"timeout_sec" validate:"gte=0"`
	TrialTimeoutSec float64 `yaml:"trial_timeout_sec" json:"trial_timeout_sec" validate:"gte=0"`
	LogLevel        string  `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
	// LogDir keeps per-trial command output under <log_dir>/<study_name>.
	LogDir string `yaml:"log_dir,omitempty" json:"log_dir,omitempty"`

	Command         string `yaml:"command" json:"command" validate:"required"`
	SearchSpacePath string `yaml:"search_space_path" json:"search_space_path" validate:"required"`

	Environment environment.Config `yaml:"environment" json:"environment"`

	// Catch lists the fail types that do not end the run.
	Catch []models.ErrorType `yaml:"catch" json:"catch" validate:"dive,oneof=objective_failed objective_timeout command_failed value_missing"`

	Sampler SamplerConfig `yaml:"sampler" json:"sampler"`
	Pruner  PrunerConfig  `yaml:"pruner" json:"pruner"`

	Enqueue     []map[string]any `yaml:"enqueue,omitempty" json:"enqueue,omitempty"`
	UserAttrs   map[string]any   `yaml:"user_attrs,omitempty" json:"user_attrs,omitempty"`
	TargetValue *float64         `yaml:"target_value,omitempty" json:"target_value,omitempty"`
}

var validate = validator.New()

// DefaultStudyConfig returns a StudyConfig with default values.
func DefaultStudyConfig() StudyConfig {
	return StudyConfig{
		Storage:   "memory",
		Direction: "minimize",
		NJobs:     1,
		LogLevel:  "info",
		Catch: []models.ErrorType{
			models.ErrCommandFailed,
			models.ErrValueMissing,
			models.ErrObjectiveTimeout,
		},
		Environment: environment.Config{Type: "local"},
		Sampler:     SamplerConfig{Type: "random"},
		Pruner:      DefaultPrunerConfig(),
	}
}

// DefaultPrunerConfig returns a median pruner with five startup trials.
func DefaultPrunerConfig() PrunerConfig {
	return PrunerConfig{
		Type:            "median",
		NStartupTrials:  5,
		IntervalSteps:   1,
		Percentile:      50,
		NMinTrials:      1,
		MinResource:     1,
		ReductionFactor: 3,
	}
}

// LoadStudyConfig loads and validates a study.yaml file. A relative
// search_space_path is resolved against the directory of path.
func LoadStudyConfig(path string) (StudyConfig, error) {
	cfg := DefaultStudyConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading study config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing study config: %w", err)
	}

	// Apply defaults for values left empty
	defaults := DefaultStudyConfig()
	if cfg.Storage == "" {
		cfg.Storage = defaults.Storage
	}
	if cfg.Direction == "" {
		cfg.Direction = defaults.Direction
	}
	cfg.Direction = strings.ToLower(strings.TrimSpace(cfg.Direction))
	if cfg.NJobs == 0 {
		cfg.NJobs = defaults.NJobs
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.Environment.Type == "" {
		cfg.Environment.Type = defaults.Environment.Type
	}
	if cfg.Sampler.Type == "" {
		cfg.Sampler.Type = defaults.Sampler.Type
	}
	if cfg.Pruner.Type == "" {
		cfg.Pruner.Type = defaults.Pruner.Type
	}
	if cfg.Pruner.IntervalSteps == 0 {
		cfg.Pruner.IntervalSteps = defaults.Pruner.IntervalSteps
	}
	if cfg.Pruner.NMinTrials == 0 {
		cfg.Pruner.NMinTrials = defaults.Pruner.NMinTrials
	}
	if cfg.Pruner.ReductionFactor == 0 {
		cfg.Pruner.ReductionFactor = defaults.Pruner.ReductionFactor
	}

	if cfg.LogDir != "" && !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(filepath.Dir(path), cfg.LogDir)
	}
	if cfg.SearchSpacePath != "" && !filepath.IsAbs(cfg.SearchSpacePath) {
		cfg.SearchSpacePath = filepath.Join(filepath.Dir(path), cfg.SearchSpacePath)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and the pruner options of the chosen type.
func (c StudyConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid study config: %s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid study config: %w", err)
	}

	switch c.Pruner.Type {
	case "threshold":
		if c.Pruner.Lower == nil && c.Pruner.Upper == nil {
			return errors.New("invalid study config: threshold pruner needs lower or upper")
		}
	case "hyperband":
		if c.Pruner.MaxResource == 0 {
			return errors.New("invalid study config: hyperband pruner needs max_resource")
		}
		if c.Pruner.MinResource == 0 || c.Pruner.MinResource > c.Pruner.MaxResource {
			return fmt.Errorf("invalid study config: hyperband min_resource must be in [1, %d]", c.Pruner.MaxResource)
		}
	}
	return nil
}

// StudyDirection returns the parsed direction.
func (c StudyConfig) StudyDirection() (models.StudyDirection, error) {
	return models.ParseDirection(c.Direction)
}
