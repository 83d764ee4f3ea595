package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"harvestd/internal/adapters/scanrow"
	"harvestd/internal/domain"
)

const selectColumns = `SELECT id, domain, status, start_time, end_time, results FROM scans`

// Create inserts a new scan row.
func (db *DB) Create(ctx context.Context, scan domain.Scan) error {
	row, err := scanrow.FromScan(scan)
	if err != nil {
		return err
	}
	_, err = db.SQL.ExecContext(ctx, `
		INSERT INTO scans (id, domain, status, start_time, end_time, results)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.ID, row.Domain, row.Status, row.StartTime, row.EndTime, row.Results)
	if isPrimaryKeyViolation(err) {
		return fmt.Errorf("scan %s: %w", scan.ID, domain.ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("inserting scan: %w", err)
	}
	return nil
}

// Get returns a single scan.
func (db *DB) Get(ctx context.Context, id string) (domain.Scan, error) {
	row := db.SQL.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	var r scanrow.Row
	err := row.Scan(&r.ID, &r.Domain, &r.Status, &r.StartTime, &r.EndTime, &r.Results)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Scan{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Scan{}, fmt.Errorf("selecting scan: %w", err)
	}
	return r.Scan()
}

// List returns all scans ordered by start time.
func (db *DB) List(ctx context.Context) ([]domain.Scan, error) {
	rows, err := db.SQL.QueryContext(ctx, selectColumns+` ORDER BY start_time, id`)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	defer rows.Close() //nolint:errcheck

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

// UpdateTerminal writes status, end_time and results in one statement, so
// readers never see a partially finished scan.
func (db *DB) UpdateTerminal(ctx context.Context, id string, status domain.Status, endTime time.Time, results *domain.HarvesterResult) error {
	kept, err := domain.TerminalResults(status, results)
	if err != nil {
		return err
	}
	encoded, err := scanrow.EncodeResults(kept)
	if err != nil {
		return err
	}

	res, err := db.SQL.ExecContext(ctx, `
		UPDATE scans SET status = ?, end_time = ?, results = ?
		WHERE id = ? AND status IN ('PENDING', 'RUNNING')
	`, string(status), scanrow.FormatTime(endTime), encoded, id)
	if err != nil {
		return fmt.Errorf("updating scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating scan: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = db.SQL.QueryRowContext(ctx, `SELECT status FROM scans WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking scan status: %w", err)
	}
	if domain.Status(current) == status {
		return nil
	}
	return domain.ErrAlreadyTerminal
}

// FailOrphaned marks every in-progress scan as failed.
func (db *DB) FailOrphaned(ctx context.Context, endTime time.Time) (int64, error) {
	res, err := db.SQL.ExecContext(ctx, `
		UPDATE scans SET status = 'FAILED', end_time = ?, results = NULL
		WHERE status IN ('PENDING', 'RUNNING')
	`, scanrow.FormatTime(endTime))
	if err != nil {
		return 0, fmt.Errorf("failing orphaned scans: %w", err)
	}
	return res.RowsAffected()
}

func isPrimaryKeyViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
