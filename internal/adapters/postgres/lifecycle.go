package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"harvestd/internal/adapters/scanrow"
	"harvestd/internal/domain"
)

// UpdateTerminal finishes a scan inside a transaction holding the row lock, so
// status, end_time and results become visible together.
func (db *DB) UpdateTerminal(ctx context.Context, id string, status domain.Status, endTime time.Time, results *domain.HarvesterResult) (err error) {
	kept, err := domain.TerminalResults(status, results)
	if err != nil {
		return err
	}
	encoded, err := scanrow.EncodeResults(kept)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM scans WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locking scan: %w", err)
	}
	if cur := domain.Status(current); cur.Terminal() {
		if cur == status {
			return nil
		}
		return domain.ErrAlreadyTerminal
	}

	if _, err = tx.Exec(ctx, `
        UPDATE scans SET status = $2, end_time = $3, results = $4 WHERE id = $1
    `, id, string(status), scanrow.FormatTime(endTime), encoded); err != nil {
		return fmt.Errorf("updating scan: %w", err)
	}
	return nil
}

// FailOrphaned marks every in-progress scan as failed.
func (db *DB) FailOrphaned(ctx context.Context, endTime time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
        UPDATE scans SET status = 'FAILED', end_time = $1, results = NULL
        WHERE status IN ('PENDING', 'RUNNING')
    `, scanrow.FormatTime(endTime))
	if err != nil {
		return 0, fmt.Errorf("failing orphaned scans: %w", err)
	}
	return tag.RowsAffected(), nil
}
