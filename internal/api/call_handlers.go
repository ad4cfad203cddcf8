package api

import (
	"net/http"
	"strings"
)

type placeCallRequest struct {
	Destination string `json:"destination"`
}

// handlePlaceCall starts an outbound call. It returns once the INVITE is
// on its way; progress is reported on the event stream.
func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Destination = strings.TrimSpace(req.Destination)
	if errMsg := destinationField.check(req.Destination); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.phone.Place(r.Context(), req.Destination); err != nil {
		s.writePhoneError(w, r, "placing call", err)
		return
	}
	s.writeSnapshot(w, r, http.StatusAccepted)
}

// handleAnswer accepts the ringing inbound call, if any.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := s.phone.Answer(r.Context()); err != nil {
		s.writePhoneError(w, r, "answering call", err)
		return
	}
	s.writeSnapshot(w, r, http.StatusOK)
}

// handleTerminate ends or rejects the active call, if any.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if err := s.phone.Terminate(r.Context()); err != nil {
		s.writePhoneError(w, r, "terminating call", err)
		return
	}
	s.writeSnapshot(w, r, http.StatusOK)
}

// writeSnapshot responds with the phone state after an operation.
func (s *Server) writeSnapshot(w http.ResponseWriter, r *http.Request, status int) {
	snap, err := s.phone.Snapshot(r.Context())
	if err != nil {
		s.writePhoneError(w, r, "reading status", err)
		return
	}
	writeJSON(w, status, snap)
}
