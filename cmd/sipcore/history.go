package main

import (
	"context"

	"github.com/sipcore/sipcore/internal/call"
	"github.com/sipcore/sipcore/internal/database"
	"github.com/sipcore/sipcore/internal/database/models"
)

// historyLog adapts the call history repository to call.CallLog.
type historyLog struct {
	repo database.CallHistoryRepository
}

func (h *historyLog) Record(ctx context.Context, r call.Record) error {
	rec := &models.CallRecord{
		ID:             r.ID,
		Direction:      string(r.Direction),
		RemoteIdentity: r.RemoteIdentity,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		Cause:          r.Cause,
	}
	if !r.AnsweredAt.IsZero() {
		answered := r.AnsweredAt
		rec.AnsweredAt = &answered
	}
	return h.repo.Create(ctx, rec)
}
