package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"harvestd/internal/adapters/scanrow"
	"harvestd/internal/domain"
)

const (
	uniqueViolation = "23505"
	selectColumns   = `SELECT id, domain, status, start_time, end_time, results FROM scans`
)

// ScanRepository

func (db *DB) Create(ctx context.Context, scan domain.Scan) error {
	row, err := scanrow.FromScan(scan)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
        INSERT INTO scans (id, domain, status, start_time, end_time, results)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, row.ID, row.Domain, row.Status, row.StartTime, row.EndTime, row.Results)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("scan %s: %w", scan.ID, domain.ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("inserting scan: %w", err)
	}
	return nil
}

func (db *DB) Get(ctx context.Context, id string) (domain.Scan, error) {
	var r scanrow.Row
	err := db.Pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id).
		Scan(&r.ID, &r.Domain, &r.Status, &r.StartTime, &r.EndTime, &r.Results)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Scan{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Scan{}, fmt.Errorf("selecting scan: %w", err)
	}
	return r.Scan()
}

func (db *DB) List(ctx context.Context) ([]domain.Scan, error) {
	rows, err := db.Pool.Query(ctx, selectColumns+` ORDER BY start_time, id`)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	defer rows.Close()

	out := []domain.Scan{}
	for rows.Next() {
		var r scanrow.Row
		if err := rows.Scan(&r.ID, &r.Domain, &r.Status, &r.StartTime, &r.EndTime, &r.Results); err != nil {
			return nil, fmt.Errorf("scanning scan row: %w", err)
		}
		s, err := r.Scan()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
