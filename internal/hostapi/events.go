package hostapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultEventType is the host event announcing a configuration change.
const DefaultEventType = "sip_core_config_updated"

// EventStream subscribes to configuration change events on the host's
// WebSocket API.
type EventStream struct {
	URL       string
	Token     string
	EventType string
	// RetryDelay is the pause between connection attempts.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// NewEventStream derives the WebSocket API address from the host origin.
func NewEventStream(baseURL, token, eventType string, logger *slog.Logger) (*EventStream, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("hostapi: invalid host url %q", baseURL)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"
	u.RawQuery = ""
	if eventType == "" {
		eventType = DefaultEventType
	}
	return &EventStream{
		URL:        u.String(),
		Token:      token,
		EventType:  eventType,
		RetryDelay: 5 * time.Second,
		Logger:     logger.With("subsystem", "host-events"),
	}, nil
}

type wsMessage struct {
	ID          int    `json:"id,omitempty"`
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
	EventType   string `json:"event_type,omitempty"`
	Success     *bool  `json:"success,omitempty"`
	Message     string `json:"message,omitempty"`
	Event       *struct {
		EventType string `json:"event_type"`
	} `json:"event,omitempty"`
}

// errAuth is returned when the host refuses the token; retrying will not help.
var errAuth = errors.New("host refused access token")

// Run keeps a subscription open until ctx ends, calling hint for every
// matching event. Lost connections are retried after RetryDelay.
func (s *EventStream) Run(ctx context.Context, hint func(reason string)) error {
	for {
		err := s.session(ctx, hint)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errAuth) {
			return err
		}
		s.Logger.Warn("host event stream lost, retrying", "error", err, "delay", s.RetryDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.RetryDelay):
		}
	}
}

func (s *EventStream) session(ctx context.Context, hint func(string)) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.URL, http.Header{})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.URL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if msg.Type == "auth_required" {
		if err := conn.WriteJSON(wsMessage{Type: "auth", AccessToken: s.Token}); err != nil {
			return fmt.Errorf("sending auth: %w", err)
		}
		msg = wsMessage{}
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading auth result: %w", err)
		}
		if msg.Type != "auth_ok" {
			return fmt.Errorf("%w: %s", errAuth, msg.Message)
		}
	}

	const subID = 1
	if err := conn.WriteJSON(wsMessage{ID: subID, Type: "subscribe_events", EventType: s.EventType}); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	s.Logger.Info("subscribed to host events", "event_type", s.EventType)

	for {
		msg = wsMessage{}
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading event: %w", err)
		}
		switch msg.Type {
		case "result":
			if msg.ID == subID && msg.Success != nil && !*msg.Success {
				return fmt.Errorf("subscription rejected: %s", msg.Message)
			}
		case "event":
			if msg.ID == subID {
				hint("host event " + s.EventType)
			}
		}
	}
}
