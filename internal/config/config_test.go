package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/spachava753/tuner/internal/config"
	"github.com/spachava753/tuner/internal/models"
)

func TestLoadSearchSpace(t *testing.T) {
	spaceToml := `[params.lr]
type = "float"
low = 1e-4
high = 1e-1
log = true

[params.units]
type = "int"
low = 16
high = 128
step = 16

[params.dropout]
type = "float"
low = 0
high = 0.5

[params.optimizer]
type = "categorical"
choices = ["adam", "sgd", 3]
`

	fsys := fstest.MapFS{
		"space.toml": &fstest.MapFile{Data: []byte(spaceToml)},
	}

	space, err := config.LoadSearchSpace(fsys, "space.toml")
	if err != nil {
		t.Fatalf("LoadSearchSpace failed: %v", err)
	}

	names := space.Names()
	want := []string{"dropout", "lr", "optimizer", "units"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("expected names %v, got %v", want, names)
	}

	lr, ok := space.Distribution("lr")
	if !ok {
		t.Fatal("lr distribution missing")
	}
	if fd, ok := lr.(models.FloatDistribution); !ok || !fd.Log || fd.Low != 1e-4 {
		t.Errorf("unexpected lr distribution %+v", lr)
	}

	units, _ := space.Distribution("units")
	if id, ok := units.(models.IntDistribution); !ok || id.Step != 16 || id.High != 128 {
		t.Errorf("unexpected units distribution %+v", units)
	}

	opt, _ := space.Distribution("optimizer")
	cd, ok := opt.(models.CategoricalDistribution)
	if !ok {
		t.Fatalf("expected categorical optimizer, got %T", opt)
	}
	if cd.Choices[2] != 3 {
		t.Errorf("expected integer choice to decode as int, got %T", cd.Choices[2])
	}
}

func TestLoadSearchSpaceErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "empty",
			content: ``,
			errPart: "no parameters",
		},
		{
			name:    "unknown type",
			content: "[params.x]\ntype = \"gaussian\"\nlow = 0\nhigh = 1\n",
			errPart: `param "x"`,
		},
		{
			name:    "missing bound",
			content: "[params.x]\ntype = \"float\"\nlow = 0\n",
			errPart: "low and high are required",
		},
		{
			name:    "log with step",
			content: "[params.x]\ntype = \"float\"\nlow = 1\nhigh = 2\nlog = true\nstep = 0.5\n",
			errPart: "log and step",
		},
		{
			name:    "fractional int",
			content: "[params.x]\ntype = \"int\"\nlow = 0.5\nhigh = 2\n",
			errPart: "whole numbers",
		},
		{
			name:    "unknown key",
			content: "[params.x]\ntype = \"float\"\nlow = 0\nhigh = 1\nmean = 0.5\n",
			errPart: "unknown key",
		},
		{
			name:    "nested choice",
			content: "[params.x]\ntype = \"categorical\"\nchoices = [[1, 2], 3]\n",
			errPart: "unsupported type",
		},
		{
			name:    "low above high",
			content: "[params.x]\ntype = \"float\"\nlow = 2\nhigh = 1\n",
			errPart: `param "x"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{"space.toml": &fstest.MapFile{Data: []byte(tt.content)}}
			_, err := config.LoadSearchSpace(fsys, "space.toml")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error containing %q, got %v", tt.errPart, err)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "study.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoadStudyConfig(t *testing.T) {
	studyYaml := `study_name: lr-search
storage: badger://./db
direction: Maximize
n_trials: 50
n_jobs: 4
timeout_sec: 600
trial_timeout_sec: 30
command: python train.py
search_space_path: space.toml
catch: [command_failed]
target_value: 0.99
environment:
  type: docker
  image: python:3.12
  cpus: "2"
  volumes: ["/data:/data:ro"]
sampler:
  type: random
  seed: 42
pruner:
  type: hyperband
  min_resource: 1
  max_resource: 27
  reduction_factor: 3
enqueue:
  - lr: 0.01
    units: 64
user_attrs:
  owner: ml-team
`

	path := writeConfig(t, studyYaml)
	cfg, err := config.LoadStudyConfig(path)
	if err != nil {
		t.Fatalf("LoadStudyConfig failed: %v", err)
	}

	if cfg.StudyName != "lr-search" {
		t.Errorf("expected study_name lr-search, got %s", cfg.StudyName)
	}

	direction, err := cfg.StudyDirection()
	if err != nil || direction != models.DirectionMaximize {
		t.Errorf("expected direction maximize, got %s (%v)", direction, err)
	}

	if cfg.NTrials != 50 || cfg.NJobs != 4 {
		t.Errorf("expected 50 trials on 4 jobs, got %d on %d", cfg.NTrials, cfg.NJobs)
	}

	if cfg.SearchSpacePath != filepath.Join(filepath.Dir(path), "space.toml") {
		t.Errorf("expected search space next to config, got %s", cfg.SearchSpacePath)
	}

	if len(cfg.Catch) != 1 || cfg.Catch[0] != models.ErrCommandFailed {
		t.Errorf("expected catch [command_failed], got %v", cfg.Catch)
	}

	if cfg.Sampler.Seed == nil || *cfg.Sampler.Seed != 42 {
		t.Errorf("expected seed 42, got %v", cfg.Sampler.Seed)
	}

	if cfg.Pruner.Type != "hyperband" || cfg.Pruner.MaxResource != 27 {
		t.Errorf("unexpected pruner config %+v", cfg.Pruner)
	}

	if cfg.Pruner.IntervalSteps != 1 {
		t.Errorf("expected default interval_steps 1, got %d", cfg.Pruner.IntervalSteps)
	}

	if cfg.Environment.Type != "docker" || cfg.Environment.Image != "python:3.12" || cfg.Environment.CPUs != "2" {
		t.Errorf("unexpected environment %+v", cfg.Environment)
	}

	if cfg.TargetValue == nil || *cfg.TargetValue != 0.99 {
		t.Errorf("expected target_value 0.99, got %v", cfg.TargetValue)
	}

	if len(cfg.Enqueue) != 1 || cfg.Enqueue[0]["units"] != 64 {
		t.Errorf("unexpected enqueue %v", cfg.Enqueue)
	}

	if cfg.UserAttrs["owner"] != "ml-team" {
		t.Errorf("unexpected user_attrs %v", cfg.UserAttrs)
	}
}

func TestLoadStudyConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing command", "search_space_path: s.toml\n"},
		{"bad direction", "command: x\nsearch_space_path: s.toml\ndirection: sideways\n"},
		{"bad sampler", "command: x\nsearch_space_path: s.toml\nsampler:\n  type: tpe\n"},
		{"bad pruner", "command: x\nsearch_space_path: s.toml\npruner:\n  type: patient\n"},
		{"negative trials", "command: x\nsearch_space_path: s.toml\nn_trials: -1\n"},
		{"bad catch", "command: x\nsearch_space_path: s.toml\ncatch: [objective_panicked]\n"},
		{"threshold without bounds", "command: x\nsearch_space_path: s.toml\npruner:\n  type: threshold\n"},
		{"hyperband without max", "command: x\nsearch_space_path: s.toml\npruner:\n  type: hyperband\n"},
		{"docker without image", "command: x\nsearch_space_path: s.toml\nenvironment:\n  type: docker\n"},
		{"bad environment", "command: x\nsearch_space_path: s.toml\nenvironment:\n  type: modal\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.LoadStudyConfig(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultStudyConfig(t *testing.T) {
	cfg := config.DefaultStudyConfig()

	if cfg.Storage != "memory" {
		t.Errorf("expected default storage memory, got %s", cfg.Storage)
	}

	if cfg.Direction != "minimize" {
		t.Errorf("expected default direction minimize, got %s", cfg.Direction)
	}

	if cfg.NJobs != 1 {
		t.Errorf("expected default n_jobs 1, got %d", cfg.NJobs)
	}

	if cfg.Pruner.Type != "median" || cfg.Pruner.NStartupTrials != 5 {
		t.Errorf("expected default median pruner with 5 startup trials, got %+v", cfg.Pruner)
	}

	if len(cfg.Catch) != 3 {
		t.Errorf("expected 3 caught fail types by default, got %v", cfg.Catch)
	}
}

func TestLoadStudyConfigMinimal(t *testing.T) {
	cfg, err := config.LoadStudyConfig(writeConfig(t, "command: ./train.sh\nsearch_space_path: /abs/space.toml\n"))
	if err != nil {
		t.Fatalf("LoadStudyConfig failed: %v", err)
	}

	if cfg.SearchSpacePath != "/abs/space.toml" {
		t.Errorf("expected absolute path kept, got %s", cfg.SearchSpacePath)
	}

	if cfg.Sampler.Type != "random" || cfg.LogLevel != "info" {
		t.Errorf("expected defaults applied, got sampler %s log_level %s", cfg.Sampler.Type, cfg.LogLevel)
	}

	if cfg.Environment.Type != "local" {
		t.Errorf("expected local environment by default, got %s", cfg.Environment.Type)
	}
}
