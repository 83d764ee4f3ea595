package scanrunner

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	r := New(2, testLogger())
	var current, peak atomic.Int64
	release := make(chan struct{})

	for range 5 {
		require.NoError(t, r.Go("task", func(ctx context.Context) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
		}))
	}

	require.Eventually(t, func() bool {
		pending, running := r.Stats()
		return pending == 3 && running == 2
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.NoError(t, r.Shutdown(t.Context()))
	require.EqualValues(t, 2, peak.Load())
}

func TestRunner_GoDoesNotBlock(t *testing.T) {
	r := New(1, testLogger())
	block := make(chan struct{})
	require.NoError(t, r.Go("holder", func(ctx context.Context) { <-block }))

	done := make(chan struct{})
	go func() {
		for range 10 {
			_ = r.Go("queued", func(ctx context.Context) {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Go blocked while the only slot was busy")
	}
	close(block)
	require.NoError(t, r.Shutdown(t.Context()))
}

func TestRunner_ShutdownCancelsAndStillRunsQueued(t *testing.T) {
	r := New(1, testLogger())
	var cancelled atomic.Int64

	for range 3 {
		require.NoError(t, r.Go("task", func(ctx context.Context) {
			<-ctx.Done()
			cancelled.Add(1)
		}))
	}
	require.NoError(t, r.Shutdown(t.Context()))
	require.EqualValues(t, 3, cancelled.Load())

	err := r.Go("late", func(ctx context.Context) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestRunner_ShutdownTimeout(t *testing.T) {
	r := New(1, testLogger())
	release := make(chan struct{})
	require.NoError(t, r.Go("stubborn", func(ctx context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, r.Shutdown(context.Background()))
	pending, running := r.Stats()
	require.Zero(t, pending)
	require.Zero(t, running)
}

func TestRunner_RecoversPanics(t *testing.T) {
	r := New(1, testLogger())
	require.NoError(t, r.Go("panicky", func(ctx context.Context) { panic("boom") }))
	ran := make(chan struct{})
	require.NoError(t, r.Go("after", func(ctx context.Context) { close(ran) }))
	<-ran
	require.NoError(t, r.Shutdown(t.Context()))
}

func TestRunner_StatsDrainToZero(t *testing.T) {
	r := New(2, testLogger())
	release := make(chan struct{})
	for range 4 {
		require.NoError(t, r.Go("task", func(ctx context.Context) { <-release }))
	}
	pending, running := r.Stats()
	require.GreaterOrEqual(t, pending+running, int64(4))

	close(release)
	require.Eventually(t, func() bool {
		pending, running := r.Stats()
		return pending == 0 && running == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Shutdown(t.Context()))
}
