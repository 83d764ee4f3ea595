package ports

import (
	"context"
	"time"

	"harvestd/internal/domain"
)

// ScanRepository is the durable record of scans and their outcomes.
//
// Implementations must make UpdateTerminal atomic with respect to readers and
// safe to retry: repeating a committed update with the same status succeeds.
type ScanRepository interface {
	// Create stores a new scan. Returns domain.ErrDuplicateID if the id exists.
	Create(ctx context.Context, scan domain.Scan) error
	// Get returns the scan or domain.ErrNotFound.
	Get(ctx context.Context, id string) (domain.Scan, error)
	// List returns all scans ordered by start time.
	List(ctx context.Context) ([]domain.Scan, error)
	// UpdateTerminal moves a running scan to COMPLETED or FAILED.
	UpdateTerminal(ctx context.Context, id string, status domain.Status, endTime time.Time, results *domain.HarvesterResult) error
	// FailOrphaned fails every scan still RUNNING and returns how many were changed.
	FailOrphaned(ctx context.Context, endTime time.Time) (int64, error)
}
