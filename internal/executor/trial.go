package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spachava753/tuner/internal/config"
	"github.com/spachava753/tuner/internal/environment"
	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/study"
	"github.com/spachava753/tuner/internal/util"
)

const (
	paramEnvPrefix = "TUNER_PARAM_"
	maxReasonBytes = 512
	waitDelay      = time.Second
)

// CommandObjective evaluates a trial by running a shell command. Parameters
// are passed in the environment; the command reports progress and its
// result on stdout:
//
//	report <step> <value>   intermediate value, checked for pruning
//	value <v>               objective value
//	<v>                     objective value, when it is the last line
type CommandObjective struct {
	Command      string
	Space        config.SearchSpace
	TrialTimeout time.Duration
	// LogDir, when set, receives stdout.txt and stderr.txt per trial.
	LogDir string
	// Env runs the command; nil means the local shell.
	Env environment.Environment
}

// NewCommandObjective creates a new command objective.
func NewCommandObjective(command string, space config.SearchSpace, trialTimeout time.Duration) *CommandObjective {
	return &CommandObjective{
		Command:      command,
		Space:        space,
		TrialTimeout: trialTimeout,
	}
}

// Evaluate suggests every parameter of the search space, runs the command
// and returns its value. It satisfies study.ObjectiveFunc.
func (o *CommandObjective) Evaluate(ctx context.Context, trial *study.Trial) (float64, error) {
	env := map[string]string{
		"TUNER_TRIAL_NUMBER": strconv.Itoa(trial.Number()),
		"TUNER_STUDY_NAME":   trial.Study().Name(),
	}
	for _, name := range o.Space.Names() {
		dist, _ := o.Space.Distribution(name)
		v, err := trial.Suggest(ctx, name, dist)
		if err != nil {
			return 0, err
		}
		env[paramEnvName(name)] = formatParam(v)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.TrialTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, o.TrialTimeout)
		defer cancelTimeout()
	}

	var pruned bool
	stdout := &outputParser{
		onReport: func(step int, value float64) error {
			if pruned {
				return nil
			}
			if err := trial.Report(ctx, value, step); err != nil {
				cancel()
				return err
			}
			prune, err := trial.ShouldPrune(ctx)
			if err != nil {
				cancel()
				return err
			}
			if prune {
				slog.Debug("pruning command", "number", trial.Number(), "step", step, "value", value)
				pruned = true
				cancel()
			}
			return nil
		},
	}
	var stderr bytes.Buffer

	runEnv := o.Env
	if runEnv == nil {
		runEnv = &environment.Local{Shell: "sh"}
	}
	id := fmt.Sprintf("%s-%d", trial.Study().Name(), trial.Number())
	cmd := runEnv.Command(runCtx, id, o.Command, env)
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	slog.Debug("running command", "number", trial.Number(), "environment", runEnv.Name(), "command", o.Command)
	runErr := cmd.Run()
	stdout.Close()

	o.saveLogs(trial.Number(), stdout.out.Bytes(), stderr.Bytes())

	switch {
	case pruned:
		return 0, fmt.Errorf("command pruned: %w", models.ErrTrialPruned)
	case stdout.err != nil:
		return 0, fmt.Errorf("handling command output: %w", stdout.err)
	case ctx.Err() != nil:
		return 0, fmt.Errorf("command interrupted: %w", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return 0, &models.ObjectiveError{
			Type: models.ErrObjectiveTimeout,
			Err:  fmt.Errorf("command exceeded trial timeout of %s", o.TrialTimeout),
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			runErr = fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), tail(stderr.Bytes()))
		}
		return 0, &models.ObjectiveError{Type: models.ErrCommandFailed, Err: runErr}
	}

	value, ok := stdout.result()
	if !ok {
		return 0, &models.ObjectiveError{
			Type: models.ErrValueMissing,
			Err:  errors.New("command printed no value"),
		}
	}
	return value, nil
}

func (o *CommandObjective) saveLogs(number int, stdout, stderr []byte) {
	if o.LogDir == "" {
		return
	}
	dir := filepath.Join(o.LogDir, fmt.Sprintf("trial_%d", number))
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("creating trial log dir", "dir", dir, "error", err)
		return
	}
	for name, data := range map[string][]byte{"stdout.txt": stdout, "stderr.txt": stderr} {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			slog.Warn("writing trial log", "file", name, "error", err)
		}
	}
}

// outputParser consumes command stdout line by line.
type outputParser struct {
	onReport func(step int, value float64) error

	out     bytes.Buffer
	partial []byte
	value   *float64
	bare    *float64
	err     error
}

// Write never fails, so the command is not cut off by a closed pipe.
func (p *outputParser) Write(b []byte) (int, error) {
	p.out.Write(b)
	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		p.line(string(p.partial[:i]))
		p.partial = p.partial[i+1:]
	}
	return len(b), nil
}

// Close handles a final line without a newline.
func (p *outputParser) Close() {
	if len(p.partial) > 0 {
		p.line(string(p.partial))
		p.partial = nil
	}
}

func (p *outputParser) line(s string) {
	fields := strings.Fields(s)
	switch {
	case len(fields) == 0:
		return
	case fields[0] == "report" && len(fields) == 3:
		p.bare = nil
		step, err := strconv.Atoi(fields[1])
		if err != nil || step < 0 {
			slog.Warn("ignoring malformed report", "line", s)
			return
		}
		value, err := util.ParseFloat(fields[2])
		if err != nil {
			slog.Warn("ignoring malformed report", "line", s)
			return
		}
		if p.err == nil && p.onReport != nil {
			p.err = p.onReport(step, value)
		}
	case fields[0] == "value" && len(fields) == 2:
		p.bare = nil
		value, err := util.ParseFloat(fields[1])
		if err != nil {
			slog.Warn("ignoring malformed value", "line", s)
			return
		}
		p.value = &value
	case len(fields) == 1:
		if value, err := util.ParseFloat(fields[0]); err == nil {
			p.bare = &value
			return
		}
		p.bare = nil
	default:
		p.bare = nil
	}
}

// result prefers an explicit value line over a trailing bare number.
func (p *outputParser) result() (float64, bool) {
	if p.value != nil {
		return *p.value, true
	}
	if p.bare != nil {
		return *p.bare, true
	}
	return 0, false
}

// paramEnvName maps a parameter name to its environment variable:
// upper case, runs of other characters collapsed to one underscore.
func paramEnvName(name string) string {
	var b strings.Builder
	b.WriteString(paramEnvPrefix)
	underscore := true
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
		} else if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

func formatParam(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxReasonBytes {
		s = "..." + s[len(s)-maxReasonBytes:]
	}
	return s
}
