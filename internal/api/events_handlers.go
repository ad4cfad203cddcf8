package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sipcore/sipcore/internal/events"
)

// sseKeepalive spaces comment lines that keep idle proxies from closing
// the stream.
const sseKeepalive = 25 * time.Second

// handleEvents streams notifications as server-sent events. The stream
// opens with a state-update carrying the current snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The stream outlives any server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ctx := r.Context()
	ch, cancel := s.phone.Bus().Subscribe()
	defer cancel()

	snap, err := s.phone.Snapshot(ctx)
	if err != nil {
		s.writePhoneError(w, r, "reading status", err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	first := events.Notification{Kind: events.KindStateUpdate, Snapshot: snap, At: s.clock.Now()}
	if err := writeEvent(w, first); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Debug("event stream flush failed", "error", err)
		return
	}

	ticker := s.clock.Ticker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, n); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, n events.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data)
	return err
}
