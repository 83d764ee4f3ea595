// Package dockercli runs harvesting jobs through a container CLI such as
// docker or podman.
package dockercli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"harvestd/internal/ports"
)

// exitRuntimeFailure is what docker and podman return when the runtime itself
// failed, as opposed to the containerized command.
const exitRuntimeFailure = 125

const tailLines = 50

// Options configure the CLI executor.
type Options struct {
	// Binary is the CLI to invoke, e.g. "docker" or "podman".
	Binary   string
	Timeout  time.Duration
	MemoryMB int64
	CPUs     float64
}

// Executor implements ports.Executor by shelling out to `<binary> run`.
type Executor struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Executor {
	return &Executor{opts: opts, logger: logger}
}

// Run executes the job with `run --rm` and returns the container's exit code.
func (e *Executor) Run(ctx context.Context, job ports.Job) int {
	logger := e.logger.With("job", job.Name, "image", job.Image, "cli", e.opts.Binary)

	binds, err := job.PrepareMounts()
	if err != nil {
		logger.ErrorContext(ctx, "preparing mounts", "error", err)
		return ports.ExitOrchestrationFailure
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	} else {
		logger.WarnContext(ctx, "job has no timeout")
	}

	name := containerName(job)
	args := e.runArgs(name, job, binds)
	out := &lineTail{max: tailLines}
	cmd := exec.CommandContext(ctx, e.opts.Binary, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	logger.DebugContext(ctx, "starting container", "args", args)
	err = cmd.Run()
	if ctx.Err() != nil {
		// Killing the CLI does not necessarily stop the container.
		e.forceRemove(ctx, logger, name)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.ErrorContext(ctx, "job exceeded timeout, terminated", "timeout", e.opts.Timeout)
		} else {
			logger.ErrorContext(ctx, "job cancelled", "error", ctx.Err())
		}
		return ports.ExitOrchestrationFailure
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		if code == exitRuntimeFailure || code < 0 {
			logger.ErrorContext(ctx, "container runtime failed", "exit_code", code, "output", out.String())
			return ports.ExitOrchestrationFailure
		}
		logger.WarnContext(ctx, "container exited with non-zero status", "exit_code", code, "output", out.String())
		return code
	default:
		logger.ErrorContext(ctx, "running container cli", "error", err)
		return ports.ExitOrchestrationFailure
	}
}

func (e *Executor) runArgs(name string, job ports.Job, binds []string) []string {
	args := []string{"run", "--rm", "--name", name, "--label", "io.harvestd.job=" + job.Name}
	if e.opts.MemoryMB > 0 {
		args = append(args, "--memory", strconv.FormatInt(e.opts.MemoryMB, 10)+"m")
	}
	if e.opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(e.opts.CPUs, 'f', -1, 64))
	}
	for _, b := range binds {
		args = append(args, "-v", b)
	}
	args = append(args, job.Image)
	return append(args, job.Args...)
}

func (e *Executor) forceRemove(ctx context.Context, logger *slog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, e.opts.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil {
		logger.WarnContext(ctx, "removing container", "container", name, "error", err, "output", strings.TrimSpace(string(out)))
	}
}

func containerName(job ports.Job) string {
	return fmt.Sprintf("harvestd-%s", job.Name)
}

// lineTail is an io.Writer that keeps the last max lines written to it.
type lineTail struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial string
}

func (t *lineTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := strings.Split(t.partial+string(p), "\n")
	t.partial = parts[len(parts)-1]
	for _, l := range parts[:len(parts)-1] {
		t.lines = append(t.lines, l)
	}
	if over := len(t.lines) - t.max; over > 0 {
		t.lines = append([]string(nil), t.lines[over:]...)
	}
	return len(p), nil
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.lines
	if t.partial != "" {
		lines = append(append([]string(nil), lines...), t.partial)
	}
	return strings.Join(lines, "\n")
}
