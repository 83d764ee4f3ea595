package docker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"harvestd/internal/ports"
)

// fakeAPI simulates a daemon. exit is delivered on wait unless hang is set.
type fakeAPI struct {
	mu         sync.Mutex
	missing    bool
	pulled     []string
	created    []*container.Config
	hostCfgs   []*container.HostConfig
	names      []string
	removed    []string
	startErr   error
	exit       int64
	hang       bool
	logsCalled bool
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.missing = false
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return container.CreateResponse{}, cerrdefs.ErrNotFound
	}
	f.created = append(f.created, cfg)
	f.hostCfgs = append(f.hostCfgs, hostCfg)
	f.names = append(f.names, name)
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeAPI) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		if f.hang {
			<-ctx.Done()
			errCh <- ctx.Err()
			return
		}
		statusCh <- container.WaitResponse{StatusCode: f.exit}
	}()
	return statusCh, errCh
}

func (f *fakeAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.logsCalled = true
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Force {
		f.removed = append(f.removed, id)
	}
	return nil
}

func newTestExecutor(api *fakeAPI, opts Options) *Executor {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Executor{api: api, opts: opts, logger: logger}
}

func testJob(t *testing.T) (ports.Job, string) {
	host := filepath.Join(t.TempDir(), "results", "scan-1")
	return ports.Job{
		Name:   "scan-1",
		Image:  "secsi/theharvester",
		Args:   []string{"-d", "example.com", "-b", "bing", "-f", "/output/scan-1.json"},
		Mounts: map[string]string{host: "/output"},
	}, host
}

func TestRun_Success(t *testing.T) {
	api := &fakeAPI{}
	ex := newTestExecutor(api, Options{MemoryMB: 256, CPUs: 0.5})
	job, host := testJob(t)

	code := ex.Run(t.Context(), job)
	require.Equal(t, 0, code)
	require.DirExists(t, host)

	require.Len(t, api.created, 1)
	require.Equal(t, job.Image, api.created[0].Image)
	require.Equal(t, []string(job.Args), []string(api.created[0].Cmd))
	require.Equal(t, "scan-1", api.created[0].Labels[labelJob])
	require.Equal(t, "harvestd-scan-1", api.names[0])
	require.Equal(t, []string{host + ":/output"}, api.hostCfgs[0].Binds)
	require.EqualValues(t, 256*1024*1024, api.hostCfgs[0].Resources.Memory)
	require.EqualValues(t, 500000000, api.hostCfgs[0].Resources.NanoCPUs)
	require.Equal(t, []string{"0123456789abcdef0123"}, api.removed)
	require.False(t, api.logsCalled)
}

func TestRun_PropagatesExitCode(t *testing.T) {
	api := &fakeAPI{exit: 3}
	ex := newTestExecutor(api, Options{})
	job, _ := testJob(t)

	require.Equal(t, 3, ex.Run(t.Context(), job))
	require.True(t, api.logsCalled)
	require.Len(t, api.removed, 1)
}

func TestRun_PullsMissingImage(t *testing.T) {
	api := &fakeAPI{missing: true}
	ex := newTestExecutor(api, Options{})
	job, _ := testJob(t)

	require.Equal(t, 0, ex.Run(t.Context(), job))
	require.Equal(t, []string{"secsi/theharvester"}, api.pulled)
	require.Len(t, api.created, 1)
}

func TestRun_StartFailure(t *testing.T) {
	api := &fakeAPI{startErr: cerrdefs.ErrUnavailable}
	ex := newTestExecutor(api, Options{})
	job, _ := testJob(t)

	require.Equal(t, ports.ExitOrchestrationFailure, ex.Run(t.Context(), job))
	require.Len(t, api.removed, 1)
}

func TestRun_TimeoutForceRemoves(t *testing.T) {
	api := &fakeAPI{hang: true}
	ex := newTestExecutor(api, Options{Timeout: 50 * time.Millisecond})
	job, _ := testJob(t)

	start := time.Now()
	require.Equal(t, ports.ExitOrchestrationFailure, ex.Run(t.Context(), job))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, api.removed, 1)
}

func TestRun_MountDirectoryFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	api := &fakeAPI{}
	ex := newTestExecutor(api, Options{})
	job := ports.Job{Name: "scan-2", Image: "img", Mounts: map[string]string{filepath.Join(blocker, "sub"): "/output"}}

	require.Equal(t, ports.ExitOrchestrationFailure, ex.Run(t.Context(), job))
	require.Empty(t, api.created)
}
