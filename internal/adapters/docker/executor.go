// Package docker runs harvesting jobs through the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"harvestd/internal/ports"
)

const (
	labelJob     = "io.harvestd.job"
	logTailLines = "50"
	cleanupGrace = 30 * time.Second
)

// apiClient is the part of the Docker client used by Executor.
type apiClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Options bound each job.
type Options struct {
	// Timeout is the upper bound on a job's run time; zero means unbounded.
	Timeout  time.Duration
	MemoryMB int64
	CPUs     float64
}

// Executor implements ports.Executor on top of the Docker Engine API.
type Executor struct {
	api    apiClient
	opts   Options
	logger *slog.Logger
}

// New connects to the daemon configured by the DOCKER_* environment.
func New(opts Options, logger *slog.Logger) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Executor{api: cli, opts: opts, logger: logger}, nil
}

// Close releases the client connection.
func (e *Executor) Close() error {
	if c, ok := e.api.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Run creates, starts and waits for the job's container, then removes it.
func (e *Executor) Run(ctx context.Context, job ports.Job) int {
	logger := e.logger.With("job", job.Name, "image", job.Image)

	binds, err := job.PrepareMounts()
	if err != nil {
		logger.ErrorContext(ctx, "preparing mounts", "error", err)
		return ports.ExitOrchestrationFailure
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	id, err := e.create(ctx, job, binds)
	if err != nil {
		logger.ErrorContext(ctx, "creating container", "error", err)
		return ports.ExitOrchestrationFailure
	}
	logger = logger.With("container_id", shortID(id))
	defer e.remove(ctx, logger, id)

	// Register the wait before starting so a fast exit is not missed.
	statusCh, errCh := e.api.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		logger.ErrorContext(ctx, "starting container", "error", err)
		return ports.ExitOrchestrationFailure
	}
	logger.DebugContext(ctx, "container started", "args", job.Args)

	select {
	case err := <-errCh:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.ErrorContext(ctx, "job exceeded timeout, terminating", "timeout", e.opts.Timeout)
		} else {
			logger.ErrorContext(ctx, "waiting for container", "error", err)
		}
		return ports.ExitOrchestrationFailure
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			logger.ErrorContext(ctx, "container wait reported an error", "error", st.Error.Message)
			return ports.ExitOrchestrationFailure
		}
		code := int(st.StatusCode)
		if code != 0 {
			logger.WarnContext(ctx, "container exited with non-zero status",
				"exit_code", code, "output", e.tail(ctx, id))
		}
		return code
	}
}

func (e *Executor) create(ctx context.Context, job ports.Job, binds []string) (string, error) {
	cfg := &container.Config{
		Image:  job.Image,
		Cmd:    job.Args,
		Labels: map[string]string{labelJob: job.Name},
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			Memory:   e.opts.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(e.opts.CPUs * 1e9),
		},
	}
	name := "harvestd-" + job.Name

	resp, err := e.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if cerrdefs.IsNotFound(err) {
		e.logger.InfoContext(ctx, "pulling image", "image", job.Image)
		if perr := e.pull(ctx, job.Image); perr != nil {
			return "", perr
		}
		resp, err = e.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		e.logger.WarnContext(ctx, "container create warning", "job", job.Name, "warning", w)
	}
	return resp.ID, nil
}

func (e *Executor) pull(ctx context.Context, ref string) error {
	rc, err := e.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer rc.Close() //nolint:errcheck
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	return nil
}

// tail returns the last lines of the container's combined output.
func (e *Executor) tail(ctx context.Context, id string) string {
	rc, err := e.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: logTailLines})
	if err != nil {
		return "unavailable: " + err.Error()
	}
	defer rc.Close() //nolint:errcheck
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "unavailable: " + err.Error()
	}
	return strings.TrimSpace(out.String())
}

// remove force-removes the container, which also kills it if still running.
// It must run even when ctx is already done.
func (e *Executor) remove(ctx context.Context, logger *slog.Logger, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupGrace)
	defer cancel()
	if err := e.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		logger.WarnContext(ctx, "removing container", "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
