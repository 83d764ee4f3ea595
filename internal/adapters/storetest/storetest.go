// Package storetest holds the behaviour every ports.ScanRepository must share.
// Backends call Run from their own tests.
package storetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"harvestd/internal/domain"
	"harvestd/internal/ports"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// Run exercises repo. newRepo must return an empty store.
func Run(t *testing.T, newRepo func(t *testing.T) ports.ScanRepository) {
	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		scan := domain.NewScan(uuid.NewString(), "example.com", epoch)
		require.NoError(t, repo.Create(t.Context(), scan))

		got, err := repo.Get(t.Context(), scan.ID)
		require.NoError(t, err)
		require.Equal(t, scan, got)
		require.Equal(t, domain.StatusRunning, got.Status)
		require.Nil(t, got.EndTime)
		require.Nil(t, got.Results)
	})

	t.Run("empty domain is stored", func(t *testing.T) {
		repo := newRepo(t)
		scan := domain.NewScan(uuid.NewString(), "", epoch)
		require.NoError(t, repo.Create(t.Context(), scan))
		got, err := repo.Get(t.Context(), scan.ID)
		require.NoError(t, err)
		require.Equal(t, "", got.Domain)
	})

	t.Run("duplicate id", func(t *testing.T) {
		repo := newRepo(t)
		scan := domain.NewScan(uuid.NewString(), "example.com", epoch)
		require.NoError(t, repo.Create(t.Context(), scan))
		err := repo.Create(t.Context(), scan)
		require.ErrorIs(t, err, domain.ErrDuplicateID)
	})

	t.Run("get unknown", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(t.Context(), "unknown-id")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("list is ordered and stable", func(t *testing.T) {
		repo := newRepo(t)
		empty, err := repo.List(t.Context())
		require.NoError(t, err)
		require.NotNil(t, empty)
		require.Empty(t, empty)

		var ids []string
		for i := range 3 {
			scan := domain.NewScan(uuid.NewString(), fmt.Sprintf("host%d.example.com", i), epoch.Add(time.Duration(i)*time.Second))
			require.NoError(t, repo.Create(t.Context(), scan))
			ids = append(ids, scan.ID)
		}
		first, err := repo.List(t.Context())
		require.NoError(t, err)
		second, err := repo.List(t.Context())
		require.NoError(t, err)
		require.Equal(t, first, second)
		require.Len(t, first, 3)
		for i, s := range first {
			require.Equal(t, ids[i], s.ID)
		}
	})

	t.Run("complete", func(t *testing.T) {
		repo := newRepo(t)
		scan := domain.NewScan(uuid.NewString(), "example.com", epoch)
		require.NoError(t, repo.Create(t.Context(), scan))

		results := &domain.HarvesterResult{Hosts: []string{"a.example.com"}, Emails: []string{}}
		end := epoch.Add(time.Minute)
		require.NoError(t, repo.UpdateTerminal(t.Context(), scan.ID, domain.StatusCompleted, end, results))

		got, err := repo.Get(t.Context(), scan.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusCompleted, got.Status)
		require.NotNil(t, got.EndTime)
		require.True(t, end.Equal(*got.EndTime))
		require.NotNil(t, got.Results)
		require.Equal(t, []string{"a.example.com"}, got.Results.Hosts)
		require.Equal(t, []string{}, got.Results.IPs)

		// a retried write of the same outcome is a no-op
		require.NoError(t, repo.UpdateTerminal(t.Context(), scan.ID, domain.StatusCompleted, end, results))
		// a conflicting outcome is rejected and leaves the row alone
		err = repo.UpdateTerminal(t.Context(), scan.ID, domain.StatusFailed, end, nil)
		require.ErrorIs(t, err, domain.ErrAlreadyTerminal)
		again, err := repo.Get(t.Context(), scan.ID)
		require.NoError(t, err)
		require.Equal(t, got, again)
	})

	t.Run("fail drops results", func(t *testing.T) {
		repo := newRepo(t)
		scan := domain.NewScan(uuid.NewString(), "example.com", epoch)
		require.NoError(t, repo.Create(t.Context(), scan))
		require.NoError(t, repo.UpdateTerminal(t.Context(), scan.ID, domain.StatusFailed, epoch.Add(time.Second), &domain.HarvesterResult{}))

		got, err := repo.Get(t.Context(), scan.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusFailed, got.Status)
		require.NotNil(t, got.EndTime)
		require.Nil(t, got.Results)
	})

	t.Run("update validation", func(t *testing.T) {
		repo := newRepo(t)
		scan := domain.NewScan(uuid.NewString(), "example.com", epoch)
		require.NoError(t, repo.Create(t.Context(), scan))
		require.ErrorIs(t, repo.UpdateTerminal(t.Context(), scan.ID, domain.StatusRunning, epoch, nil), domain.ErrValidation)
		require.ErrorIs(t, repo.UpdateTerminal(t.Context(), scan.ID, domain.StatusCompleted, epoch, nil), domain.ErrValidation)
		require.ErrorIs(t, repo.UpdateTerminal(t.Context(), "unknown-id", domain.StatusFailed, epoch, nil), domain.ErrNotFound)
	})

	t.Run("fail orphaned", func(t *testing.T) {
		repo := newRepo(t)
		running := domain.NewScan(uuid.NewString(), "a.example.com", epoch)
		done := domain.NewScan(uuid.NewString(), "b.example.com", epoch.Add(time.Second))
		require.NoError(t, repo.Create(t.Context(), running))
		require.NoError(t, repo.Create(t.Context(), done))
		require.NoError(t, repo.UpdateTerminal(t.Context(), done.ID, domain.StatusCompleted, epoch.Add(time.Minute), &domain.HarvesterResult{}))

		n, err := repo.FailOrphaned(t.Context(), epoch.Add(time.Hour))
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		got, err := repo.Get(t.Context(), running.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusFailed, got.Status)
		require.NotNil(t, got.EndTime)

		kept, err := repo.Get(t.Context(), done.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusCompleted, kept.Status)
	})

	t.Run("concurrent writers and readers", func(t *testing.T) {
		repo := newRepo(t)
		const n = 16
		scans := make([]domain.Scan, n)
		for i := range scans {
			scans[i] = domain.NewScan(uuid.NewString(), "example.com", epoch)
			require.NoError(t, repo.Create(t.Context(), scans[i]))
		}

		var wg sync.WaitGroup
		errs := make(chan error, 2*n)
		for _, s := range scans {
			wg.Go(func() {
				errs <- repo.UpdateTerminal(t.Context(), s.ID, domain.StatusCompleted, epoch.Add(time.Minute), &domain.HarvesterResult{Hosts: []string{s.ID}})
			})
			wg.Go(func() {
				got, err := repo.Get(t.Context(), s.ID)
				if err == nil && got.Status == domain.StatusCompleted && (got.Results == nil || got.EndTime == nil) {
					err = fmt.Errorf("scan %s observed half written", s.ID)
				}
				errs <- err
			})
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		all, err := repo.List(t.Context())
		require.NoError(t, err)
		for _, s := range all {
			require.Equal(t, domain.StatusCompleted, s.Status)
			require.Equal(t, []string{s.ID}, s.Results.Hosts)
		}
	})
}
