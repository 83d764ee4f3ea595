package ports

import (
	"context"

	"harvestd/internal/domain"
)

// Scanner accepts and tracks scans.
type Scanner interface {
	Submit(ctx context.Context, target string) (domain.Scan, error)
	Get(ctx context.Context, id string) (domain.Scan, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Scan, error)
}

// ListFilter narrows a scan listing. Zero values match everything.
type ListFilter struct {
	Status domain.Status
	// Domain matches scans sharing the same registrable domain (eTLD+1).
	Domain string
}
