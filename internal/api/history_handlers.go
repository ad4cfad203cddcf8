package api

import (
	"net/http"
	"time"

	"github.com/sipcore/sipcore/internal/database/models"
)

// callRecordResponse is the JSON response for one finished call.
type callRecordResponse struct {
	ID             string  `json:"id"`
	Direction      string  `json:"direction"`
	RemoteIdentity string  `json:"remote_identity"`
	StartedAt      string  `json:"started_at"`
	AnsweredAt     *string `json:"answered_at"`
	EndedAt        string  `json:"ended_at"`
	DurationSec    int     `json:"duration_sec"`
	Cause          string  `json:"cause"`
}

func toCallRecordResponse(c *models.CallRecord) callRecordResponse {
	resp := callRecordResponse{
		ID:             c.ID,
		Direction:      c.Direction,
		RemoteIdentity: c.RemoteIdentity,
		StartedAt:      c.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:        c.EndedAt.UTC().Format(time.RFC3339),
		DurationSec:    int(c.Duration() / time.Second),
		Cause:          c.Cause,
	}
	if c.AnsweredAt != nil {
		s := c.AnsweredAt.UTC().Format(time.RFC3339)
		resp.AnsweredAt = &s
	}
	return resp
}

// handleListHistory returns finished calls, newest first.
// Query params: limit, offset.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "call history is not available")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	calls, total, err := s.history.List(r.Context(), pg.Limit, pg.Offset)
	if err != nil {
		s.logger.Error("failed to list call history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call history")
		return
	}

	items := make([]callRecordResponse, len(calls))
	for i := range calls {
		items[i] = toCallRecordResponse(&calls[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
