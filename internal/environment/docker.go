package environment

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const removeTimeout = 30 * time.Second

// Docker runs every command in a fresh container of Image. The container is
// removed when the command exits and force-removed when it is cancelled.
type Docker struct {
	Image   string
	CPUs    string
	Memory  string
	WorkDir string
	// Volumes are passed to docker run -v as given.
	Volumes []string
	Shell   string
}

// Name returns the environment name.
func (d *Docker) Name() string {
	return "docker"
}

// Command runs script in a new container named after id.
func (d *Docker) Command(ctx context.Context, id, script string, env map[string]string) *exec.Cmd {
	name := containerName(id)
	cmd := exec.CommandContext(ctx, "docker", d.runArgs(name, script, env)...)
	cmd.Cancel = func() error {
		d.remove(name)
		return cmd.Process.Kill()
	}
	return cmd
}

func (d *Docker) runArgs(name, script string, env map[string]string) []string {
	args := []string{"run", "--rm", "--name", name}

	// Add resource constraints
	if d.CPUs != "" {
		args = append(args, "--cpus", d.CPUs)
	}
	if d.Memory != "" {
		args = append(args, "--memory", d.Memory)
	}
	if d.WorkDir != "" {
		args = append(args, "-w", d.WorkDir)
	}
	for _, v := range d.Volumes {
		args = append(args, "-v", v)
	}
	for _, kv := range envList(env) {
		args = append(args, "-e", kv)
	}

	return append(args, d.Image, d.Shell, "-c", script)
}

// remove stops a container whose docker client is being killed; killing the
// client alone leaves the container running.
func (d *Docker) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		slog.Warn("removing container", "container", name, "error", fmt.Errorf("%w: %s", err, out))
	}
}
