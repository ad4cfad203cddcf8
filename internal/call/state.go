// Package call implements the single-call state machine: adopting or
// rejecting sessions announced by the transport, answering, terminating and
// placing calls, ringtone cues, the duration ticker and the cleanup that
// follows every call.
package call

import (
	"time"

	"github.com/sipcore/sipcore/internal/signaling"
)

// ConnectionState is derived from the current session; it is never stored.
type ConnectionState string

const (
	StateIdle       ConnectionState = "IDLE"
	StateIncoming   ConnectionState = "INCOMING"
	StateOutgoing   ConnectionState = "OUTGOING"
	StateConnecting ConnectionState = "CONNECTING"
	StateConnected  ConnectionState = "CONNECTED"
)

// Session is the one active call.
type Session struct {
	ID             string
	Direction      signaling.Direction
	RemoteIdentity string
	StartedAt      time.Time
	EstablishedAt  time.Time
	Handle         signaling.Session
	Connecting     bool
	RemoteAudio    *signaling.Track
	RemoteVideo    *signaling.Track

	ringback bool
}

// Established reports whether the call was answered.
func (s *Session) Established() bool {
	return !s.EstablishedAt.IsZero()
}

// DeriveState computes the connection state for s.
func DeriveState(s *Session) ConnectionState {
	switch {
	case s == nil:
		return StateIdle
	case s.Established():
		return StateConnected
	case s.Connecting:
		return StateConnecting
	case s.Direction == signaling.Inbound:
		return StateIncoming
	default:
		return StateOutgoing
	}
}
