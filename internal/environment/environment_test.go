package environment

import (
	"bytes"
	"context"
	"slices"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{"default", Config{}, "local", false},
		{"local", Config{Type: "local", Shell: "bash"}, "local", false},
		{"docker", Config{Type: "docker", Image: "python:3.12"}, "docker", false},
		{"docker without image", Config{Type: "docker"}, "", true},
		{"unknown", Config{Type: "k8s"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
			if err == nil && env.Name() != tt.wantName {
				t.Errorf("expected %s environment, got %s", tt.wantName, env.Name())
			}
		})
	}
}

func TestLocalCommand(t *testing.T) {
	env := &Local{Shell: "sh"}
	cmd := env.Command(context.Background(), "t-0", `echo "$A-$B"`, map[string]string{"A": "1", "B": "two"})

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		t.Fatalf("running command: %v", err)
	}
	if out.String() != "1-two\n" {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestDockerRunArgs(t *testing.T) {
	d := &Docker{
		Image:   "python:3.12",
		CPUs:    "2",
		Memory:  "4g",
		WorkDir: "/work",
		Volumes: []string{"/data:/data:ro"},
		Shell:   "sh",
	}

	got := d.runArgs("study-0", "python train.py", map[string]string{"TUNER_PARAM_LR": "0.1", "TUNER_TRIAL_NUMBER": "0"})
	want := []string{
		"run", "--rm", "--name", "study-0",
		"--cpus", "2",
		"--memory", "4g",
		"-w", "/work",
		"-v", "/data:/data:ro",
		"-e", "TUNER_PARAM_LR=0.1",
		"-e", "TUNER_TRIAL_NUMBER=0",
		"python:3.12", "sh", "-c", "python train.py",
	}
	if !slices.Equal(got, want) {
		t.Errorf("runArgs mismatch\n got: %v\nwant: %v", got, want)
	}
}

func TestDockerCommandHasCancel(t *testing.T) {
	d := &Docker{Image: "alpine", Shell: "sh"}
	cmd := d.Command(context.Background(), "my study/3", "true", nil)
	if cmd.Cancel == nil {
		t.Fatal("expected a cancel hook that removes the container")
	}
	if !slices.Contains(cmd.Args, "my-study-3") {
		t.Errorf("expected sanitized container name in %v", cmd.Args)
	}
}

func TestContainerName(t *testing.T) {
	tests := map[string]string{
		"quadratic-12":  "quadratic-12",
		"no-name-ab/4":  "no-name-ab-4",
		"_hidden_1":     "tuner-hidden_1",
		"lr sweep.v2-0": "lr-sweep.v2-0",
	}
	for in, want := range tests {
		if got := containerName(in); got != want {
			t.Errorf("containerName(%q) = %q, want %q", in, got, want)
		}
	}
}
