// Package environment starts trial commands on the host or in a container.
package environment

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

// Environment prepares the process that runs one trial command.
type Environment interface {
	// Name returns the environment name (e.g., "local", "docker").
	Name() string

	// Command returns a command that runs script with env added to its
	// environment. id names the run and is unique per trial. Cancelling ctx
	// must stop the script.
	Command(ctx context.Context, id, script string, env map[string]string) *exec.Cmd
}

// Config selects and configures an environment.
type Config struct {
	Type    string   `yaml:"type" json:"type" validate:"oneof=local docker"`
	Image   string   `yaml:"image,omitempty" json:"image,omitempty" validate:"required_if=Type docker"`
	CPUs    string   `yaml:"cpus,omitempty" json:"cpus,omitempty"`
	Memory  string   `yaml:"memory,omitempty" json:"memory,omitempty"`
	WorkDir string   `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Volumes []string `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Shell   string   `yaml:"shell,omitempty" json:"shell,omitempty"`
}

// New builds the environment described by cfg. An empty type means local.
func New(cfg Config) (Environment, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "sh"
	}
	switch cfg.Type {
	case "", "local":
		return &Local{Shell: shell}, nil
	case "docker":
		if cfg.Image == "" {
			return nil, fmt.Errorf("docker environment needs an image")
		}
		return &Docker{
			Image:   cfg.Image,
			CPUs:    cfg.CPUs,
			Memory:  cfg.Memory,
			WorkDir: cfg.WorkDir,
			Volumes: cfg.Volumes,
			Shell:   shell,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported environment type: %s", cfg.Type)
	}
}

// Local runs commands on the host, inheriting the process environment.
type Local struct {
	Shell string
}

// Name returns the environment name.
func (l *Local) Name() string {
	return "local"
}

// Command runs script with the host shell.
func (l *Local) Command(ctx context.Context, id, script string, env map[string]string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, l.Shell, "-c", script)
	cmd.Env = append(os.Environ(), envList(env)...)
	return cmd
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		list = append(list, k+"="+env[k])
	}
	return list
}

// containerName makes id usable as a container name.
func containerName(id string) string {
	var b strings.Builder
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case i > 0 && (r == '_' || r == '.' || r == '-'):
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := b.String()
	if name == "" || name[0] == '-' {
		name = "tuner" + name
	}
	return name
}
