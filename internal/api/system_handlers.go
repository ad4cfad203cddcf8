package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/sipcore/sipcore/internal/call"
	"github.com/sipcore/sipcore/internal/events"
	"github.com/sipcore/sipcore/internal/media"
	"github.com/sipcore/sipcore/internal/phone"
	"github.com/sipcore/sipcore/internal/sip"
)

// statusResponse is the shape returned by GET /status.
type statusResponse struct {
	events.Snapshot
	SIPTrace string         `json:"sip_trace"`
	Uptime   uptimeResponse `json:"uptime"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

type traceRequest struct {
	Level string `json:"level"`
}

type traceResponse struct {
	Level string `json:"level"`
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the phone state, the trace level and uptime.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.phone.Snapshot(r.Context())
	if err != nil {
		s.writePhoneError(w, r, "reading status", err)
		return
	}

	uptime := s.clock.Since(s.startTime).Truncate(time.Second)
	resp := statusResponse{
		Snapshot: snap,
		SIPTrace: sip.TraceOff.String(),
		Uptime: uptimeResponse{
			StartedAt:  s.startTime.UTC().Format(time.RFC3339),
			UptimeSec:  int64(uptime / time.Second),
			UptimeText: uptime.String(),
		},
	}
	if s.tracer != nil {
		resp.SIPTrace = s.tracer.Level().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReload asks the phone to refetch and apply its configuration.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.phone.Reload(r.Context(), "api"); err != nil {
		s.writePhoneError(w, r, "requesting reload", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reload requested"})
}

// handleGetTrace returns the current SIP trace level.
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	level := sip.TraceOff
	if s.tracer != nil {
		level = s.tracer.Level()
	}
	writeJSON(w, http.StatusOK, traceResponse{Level: level.String()})
}

// handleSetTrace changes the SIP trace level at runtime.
func (s *Server) handleSetTrace(w http.ResponseWriter, r *http.Request) {
	if s.tracer == nil {
		writeError(w, http.StatusNotImplemented, "sip tracing is not available")
		return
	}

	var req traceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := traceLevelField.check(req.Level); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	level := sip.ParseTraceLevel(req.Level)
	if level.String() != req.Level {
		writeError(w, http.StatusBadRequest, "level must be one of off, headers, full")
		return
	}

	s.tracer.SetLevel(level)
	writeJSON(w, http.StatusOK, traceResponse{Level: level.String()})
}

// writePhoneError maps phone and call errors to HTTP statuses.
func (s *Server) writePhoneError(w http.ResponseWriter, r *http.Request, action string, err error) {
	var validation *call.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, call.ErrCallInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, phone.ErrUnknownDevice):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, media.ErrPermission):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, call.ErrNotConnected),
		errors.Is(err, phone.ErrClosed),
		errors.Is(err, phone.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		// Client went away; nobody reads the response.
		s.logger.Debug("request canceled", "action", action)
	default:
		s.logger.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
