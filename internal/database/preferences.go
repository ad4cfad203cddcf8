package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipcore/sipcore/internal/database/models"
)

// preferenceRepo implements PreferenceRepository with an in-memory cache
// in front of the preferences table.
type preferenceRepo struct {
	db    *DB
	mu    sync.RWMutex
	cache map[string]string
}

// NewPreferenceRepository loads all stored preferences and returns a
// repository serving reads from memory.
func NewPreferenceRepository(ctx context.Context, db *DB) (PreferenceRepository, error) {
	repo := &preferenceRepo{
		db:    db,
		cache: make(map[string]string),
	}
	if err := repo.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("loading preferences: %w", err)
	}
	return repo, nil
}

// Get returns the value for key, or an empty string when it was never set.
func (r *preferenceRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[key], nil
}

// Set inserts or updates key in both the table and the cache.
func (r *preferenceRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting preference %q: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()
	return nil
}

func (r *preferenceRepo) GetAll(ctx context.Context) ([]models.Preference, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value, updated_at FROM preferences ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying preferences: %w", err)
	}
	defer rows.Close()

	var prefs []models.Preference
	for rows.Next() {
		var p models.Preference
		if err := rows.Scan(&p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning preference row: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

func (r *preferenceRepo) loadAll(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM preferences")
	if err != nil {
		return fmt.Errorf("querying preferences: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning preference row: %w", err)
		}
		r.cache[key] = value
	}
	return rows.Err()
}
