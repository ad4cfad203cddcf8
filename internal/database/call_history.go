package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sipcore/sipcore/internal/database/models"
)

// callHistoryRepo implements CallHistoryRepository.
type callHistoryRepo struct {
	db *DB
}

// NewCallHistoryRepository creates a CallHistoryRepository.
func NewCallHistoryRepository(db *DB) CallHistoryRepository {
	return &callHistoryRepo{db: db}
}

// Create inserts a finished call. Recording the same call twice keeps the
// first record.
func (r *callHistoryRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	var answered sql.NullTime
	if rec.AnsweredAt != nil {
		answered = sql.NullTime{Time: rec.AnsweredAt.UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_history (id, direction, remote_identity, started_at, answered_at, ended_at, cause)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Direction, rec.RemoteIdentity,
		rec.StartedAt.UTC(), answered, rec.EndedAt.UTC(), rec.Cause,
	)
	if err != nil {
		return fmt.Errorf("inserting call %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecent returns up to limit calls, newest first.
func (r *callHistoryRepo) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	calls, _, err := r.List(ctx, limit, 0)
	return calls, err
}

// List returns one page of calls, newest first, and the total number of
// stored calls.
func (r *callHistoryRepo) List(ctx context.Context, limit, offset int) ([]models.CallRecord, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_history`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, direction, remote_identity, started_at, answered_at, ended_at, cause
		 FROM call_history ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	calls := []models.CallRecord{}
	for rows.Next() {
		var (
			c        models.CallRecord
			answered sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.Direction, &c.RemoteIdentity,
			&c.StartedAt, &answered, &c.EndedAt, &c.Cause); err != nil {
			return nil, 0, fmt.Errorf("scanning call row: %w", err)
		}
		if answered.Valid {
			t := answered.Time
			c.AnsweredAt = &t
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call rows: %w", err)
	}
	return calls, total, nil
}

// CountByDirection returns the number of stored calls per direction.
func (r *callHistoryRepo) CountByDirection(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM call_history GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting calls: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			dir string
			n   int
		)
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning call count: %w", err)
		}
		counts[dir] = n
	}
	return counts, rows.Err()
}
