package executor_test

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/spachava753/tuner/internal/config"
	"github.com/spachava753/tuner/internal/environment"
	"github.com/spachava753/tuner/internal/executor"
	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/pruner"
	"github.com/spachava753/tuner/internal/study"
)

const spaceToml = `[params.x]
type = "int"
low = 0
high = 10

[params.act]
type = "categorical"
choices = ["relu", "tanh"]
`

func loadSpace(t *testing.T) config.SearchSpace {
	t.Helper()
	space, err := config.LoadSearchSpace(fstest.MapFS{
		"space.toml": &fstest.MapFile{Data: []byte(spaceToml)},
	}, "space.toml")
	if err != nil {
		t.Fatalf("loading search space: %v", err)
	}
	return space
}

func newStudy(t *testing.T, p pruner.Pruner) *study.Study {
	t.Helper()
	st, err := study.CreateStudy(context.Background(), nil, study.CreateOptions{StudyName: "cmd"}, study.WithPruner(p))
	if err != nil {
		t.Fatalf("creating study: %v", err)
	}
	return st
}

// runOne enqueues params, runs a single trial of command and returns it.
func runOne(t *testing.T, obj *executor.CommandObjective, p pruner.Pruner, params map[string]any) models.FrozenTrial {
	t.Helper()
	ctx := context.Background()
	st := newStudy(t, p)
	if err := st.EnqueueTrial(ctx, params); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}

	catchAll := func(error) bool { return true }
	if err := st.Optimize(ctx, obj.Evaluate, study.OptimizeOptions{NTrials: 1, Catch: catchAll}); err != nil {
		t.Fatalf("optimizing: %v", err)
	}

	trials, err := st.Trials(ctx, true)
	if err != nil {
		t.Fatalf("reading trials: %v", err)
	}
	if len(trials) != 1 {
		t.Fatalf("expected 1 trial, got %d", len(trials))
	}
	return trials[0]
}

func TestCommandObjective(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping command test in short mode")
	}

	space := loadSpace(t)
	params := map[string]any{"x": 7, "act": "tanh"}

	tests := []struct {
		name      string
		command   string
		wantState models.TrialState
		wantValue float64
		failType  models.ErrorType
	}{
		{
			name:      "value line",
			command:   `echo "training with $TUNER_PARAM_ACT"; echo "value $TUNER_PARAM_X"`,
			wantState: models.TrialComplete,
			wantValue: 7,
		},
		{
			name:      "trailing bare number",
			command:   `echo "trial $TUNER_TRIAL_NUMBER of $TUNER_STUDY_NAME"; echo 0.5`,
			wantState: models.TrialComplete,
			wantValue: 0.5,
		},
		{
			name:      "non-zero exit",
			command:   `echo "value 1"; echo oops >&2; exit 3`,
			wantState: models.TrialFail,
			failType:  models.ErrCommandFailed,
		},
		{
			name:      "missing value",
			command:   `echo done`,
			wantState: models.TrialFail,
			failType:  models.ErrValueMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := executor.NewCommandObjective(tt.command, space, 0)
			trial := runOne(t, obj, pruner.NopPruner{}, params)

			if trial.State != tt.wantState {
				t.Fatalf("expected state %s, got %s (%v)", tt.wantState, trial.State, trial.SystemAttrs)
			}
			if tt.wantState == models.TrialComplete && *trial.Value != tt.wantValue {
				t.Errorf("expected value %v, got %v", tt.wantValue, *trial.Value)
			}
			if tt.failType != "" && trial.SystemAttrs[models.SystemAttrFailType] != string(tt.failType) {
				t.Errorf("expected fail type %s, got %v", tt.failType, trial.SystemAttrs[models.SystemAttrFailType])
			}
			if trial.Params["act"] != "tanh" || trial.Params["x"] != 7 {
				t.Errorf("expected enqueued params, got %v", trial.Params)
			}
		})
	}
}

func TestCommandObjectivePrunes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping command test in short mode")
	}

	upper := 5.0
	threshold, err := pruner.NewThresholdPruner(nil, &upper, 0, 1)
	if err != nil {
		t.Fatalf("creating pruner: %v", err)
	}

	obj := executor.NewCommandObjective(`echo "report 0 1"; echo "report 1 10"; exec sleep 10`, loadSpace(t), 0)
	start := time.Now()
	trial := runOne(t, obj, threshold, map[string]any{"x": 1, "act": "relu"})

	if trial.State != models.TrialPruned {
		t.Fatalf("expected PRUNED, got %s", trial.State)
	}
	if trial.Value == nil || *trial.Value != 10 {
		t.Errorf("expected last reported value 10, got %v", trial.Value)
	}
	if len(trial.IntermediateValues) != 2 {
		t.Errorf("expected 2 intermediate values, got %v", trial.IntermediateValues)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("pruned command was not killed")
	}
}

func TestCommandObjectiveTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping command test in short mode")
	}

	obj := executor.NewCommandObjective(`exec sleep 10`, loadSpace(t), 100*time.Millisecond)
	trial := runOne(t, obj, pruner.NopPruner{}, map[string]any{"x": 1, "act": "relu"})

	if trial.State != models.TrialFail {
		t.Fatalf("expected FAIL, got %s", trial.State)
	}
	if trial.SystemAttrs[models.SystemAttrFailType] != string(models.ErrObjectiveTimeout) {
		t.Errorf("expected objective_timeout, got %v", trial.SystemAttrs[models.SystemAttrFailType])
	}
}

func TestCommandObjectiveLogs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping command test in short mode")
	}

	obj := executor.NewCommandObjective(`echo "value 2"; echo warn >&2`, loadSpace(t), 0)
	obj.LogDir = t.TempDir()
	runOne(t, obj, pruner.NopPruner{}, map[string]any{"x": 1, "act": "relu"})

	stdout, err := os.ReadFile(filepath.Join(obj.LogDir, "trial_0", "stdout.txt"))
	if err != nil {
		t.Fatalf("reading stdout log: %v", err)
	}
	if string(stdout) != "value 2\n" {
		t.Errorf("unexpected stdout log %q", stdout)
	}
	stderr, err := os.ReadFile(filepath.Join(obj.LogDir, "trial_0", "stderr.txt"))
	if err != nil {
		t.Fatalf("reading stderr log: %v", err)
	}
	if string(stderr) != "warn\n" {
		t.Errorf("unexpected stderr log %q", stderr)
	}
}

// recordingEnv runs commands locally and records the run ids it was given.
type recordingEnv struct {
	environment.Local
	ids []string
}

func (r *recordingEnv) Command(ctx context.Context, id, script string, env map[string]string) *exec.Cmd {
	r.ids = append(r.ids, id)
	return r.Local.Command(ctx, id, script, env)
}

func TestCommandObjectiveEnvironment(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping command test in short mode")
	}

	env := &recordingEnv{Local: environment.Local{Shell: "sh"}}
	obj := executor.NewCommandObjective(`echo "value $TUNER_PARAM_X"`, loadSpace(t), 0)
	obj.Env = env
	trial := runOne(t, obj, pruner.NopPruner{}, map[string]any{"x": 4, "act": "relu"})

	if trial.State != models.TrialComplete || *trial.Value != 4 {
		t.Fatalf("expected COMPLETE with value 4, got %s %v", trial.State, trial.Value)
	}
	if len(env.ids) != 1 || env.ids[0] != "cmd-0" {
		t.Errorf("expected run id cmd-0, got %v", env.ids)
	}
}

func writeStudy(t *testing.T, studyYaml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "space.toml"), []byte(spaceToml), 0644); err != nil {
		t.Fatalf("writing space: %v", err)
	}
	path := filepath.Join(dir, "study.yaml")
	if err := os.WriteFile(path, []byte(studyYaml), 0644); err != nil {
		t.Fatalf("writing study: %v", err)
	}
	return path
}

func TestRunFromConfig(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	path := writeStudy(t, `study_name: quadratic
n_trials: 6
n_jobs: 2
command: d=$((TUNER_PARAM_X - 3)); echo "value $((d * d))"
search_space_path: space.toml
log_dir: logs
sampler:
  type: random
  seed: 3
pruner:
  type: nop
enqueue:
  - x: 3
    act: relu
`)

	result, err := executor.RunFromConfig(context.Background(), path)
	if err != nil {
		t.Fatalf("running study: %v", err)
	}

	if result.TotalTrials != 6 || result.CompletedTrials != 6 {
		t.Errorf("expected 6 completed trials, got %d of %d", result.CompletedTrials, result.TotalTrials)
	}
	if result.BestValue == nil || *result.BestValue != 0 {
		t.Errorf("expected best value 0 from the enqueued trial, got %v", result.BestValue)
	}
	if result.BestParams["x"] != 3 {
		t.Errorf("expected best x 3, got %v", result.BestParams)
	}
	if result.Stopped || result.Cancelled {
		t.Errorf("unexpected stopped=%v cancelled=%v", result.Stopped, result.Cancelled)
	}

	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "logs", "quadratic", "result.json"))
	if err != nil {
		t.Fatalf("reading result.json: %v", err)
	}
	var saved models.OptimizeResult
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("decoding result.json: %v", err)
	}
	if saved.TotalTrials != 6 {
		t.Errorf("expected saved result with 6 trials, got %d", saved.TotalTrials)
	}
}

func TestRunFromConfigTargetValue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	path := writeStudy(t, `n_trials: 20
command: echo "value $TUNER_PARAM_X"
search_space_path: space.toml
target_value: 0
pruner:
  type: nop
enqueue:
  - x: 0
    act: relu
`)

	result, err := executor.RunFromConfig(context.Background(), path)
	if err != nil {
		t.Fatalf("running study: %v", err)
	}

	if !result.Stopped {
		t.Error("expected the run to stop at the target")
	}
	if result.TotalTrials != 1 {
		t.Errorf("expected 1 trial, got %d", result.TotalTrials)
	}
}

func TestRunFromConfigCancelled(t *testing.T) {
	path := writeStudy(t, `command: echo 1
search_space_path: space.toml
`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := executor.RunFromConfig(ctx, path)
	if err != nil {
		t.Fatalf("running study: %v", err)
	}
	if !result.Cancelled {
		t.Error("expected cancelled result")
	}
	if result.TotalTrials != 0 {
		t.Errorf("expected no trials, got %d", result.TotalTrials)
	}
}

func TestRunFromConfigUncaughtFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	path := writeStudy(t, `n_trials: 5
command: exit 1
search_space_path: space.toml
catch: []
`)

	if _, err := executor.RunFromConfig(context.Background(), path); err == nil {
		t.Error("expected the failing command to end the run")
	}
}

func TestNewPruner(t *testing.T) {
	lower := 0.1
	tests := []struct {
		cfg     config.PrunerConfig
		wantErr bool
	}{
		{config.PrunerConfig{Type: "nop"}, false},
		{config.DefaultPrunerConfig(), false},
		{config.PrunerConfig{Type: "percentile", Percentile: 25, IntervalSteps: 1, NMinTrials: 1}, false},
		{config.PrunerConfig{Type: "threshold", Lower: &lower, IntervalSteps: 1}, false},
		{config.PrunerConfig{Type: "successive_halving", MinResource: 1, ReductionFactor: 3}, false},
		{config.PrunerConfig{Type: "hyperband", MinResource: 1, MaxResource: 27, ReductionFactor: 3}, false},
		{config.PrunerConfig{Type: "hyperband", MinResource: 1, ReductionFactor: 3}, true},
		{config.PrunerConfig{Type: "wilcoxon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			_, err := executor.NewPruner(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPruner(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}
