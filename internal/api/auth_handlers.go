package api

import (
	"net/http"
	"time"

	"github.com/sipcore/sipcore/internal/api/middleware"
	"github.com/sipcore/sipcore/internal/database"
)

// apiPrincipal is the token subject for control API clients.
const apiPrincipal = "sipcore-api"

type tokenRequest struct {
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleToken exchanges the API password for a bearer token. Failed
// attempts count towards the caller's lockout.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.authEnabled() {
		writeError(w, http.StatusNotFound, "authentication is disabled")
		return
	}

	var req tokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := passwordField.check(req.Password); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	ok, err := database.CheckPassword(req.Password, s.passwordHash)
	if err != nil {
		s.logger.Error("checking api password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.guard.RecordFailure(r.RemoteAddr)
		s.logger.Warn("api login failed", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.guard.RecordSuccess(r.RemoteAddr)

	token, expiresAt, err := middleware.GenerateToken(s.jwtSecret, apiPrincipal, s.clock.Now())
	if err != nil {
		s.logger.Error("signing api token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("api token issued", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}
