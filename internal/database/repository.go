package database

import (
	"context"

	"github.com/sipcore/sipcore/internal/database/models"
)

// PreferenceRepository stores user preferences such as the selected audio
// devices.
type PreferenceRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.Preference, error)
}

// CallHistoryRepository stores finished calls.
type CallHistoryRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error)
	List(ctx context.Context, limit, offset int) ([]models.CallRecord, int, error)
	CountByDirection(ctx context.Context) (map[string]int, error)
}
