// Package signaling defines the contracts between the call core and a SIP
// signaling transport. Transports report everything that happens to them as
// Events over a single Sink; the core never registers per-event callbacks.
package signaling

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/sipcore/sipcore/internal/sipconfig"
)

// Direction of a session relative to this endpoint.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// EventKind is the closed set of transport event tags.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventRegistered
	EventUnregistered
	EventRegistrationFailed
	EventNewSession
	EventProgress
	EventAccepted
	EventConfirmed
	EventConnecting
	EventFailed
	EventEnded
	EventICECandidate
	EventICEGatheringComplete
	EventTrack
)

var eventNames = map[EventKind]string{
	EventConnected:            "connected",
	EventDisconnected:         "disconnected",
	EventRegistered:           "registered",
	EventUnregistered:         "unregistered",
	EventRegistrationFailed:   "registration_failed",
	EventNewSession:           "new_session",
	EventProgress:             "progress",
	EventAccepted:             "accepted",
	EventConfirmed:            "confirmed",
	EventConnecting:           "connecting",
	EventFailed:               "failed",
	EventEnded:                "ended",
	EventICECandidate:         "ice_candidate",
	EventICEGatheringComplete: "ice_gathering_complete",
	EventTrack:                "track",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// Failure and termination causes carried by events.
const (
	CauseConnectionError     = "Connection Error"
	CauseAuthenticationError = "Authentication Error"
	CauseRejected            = "Rejected"
	CauseRequestTimeout      = "Request Timeout"
	CauseBusy                = "Busy"
	CauseCanceled            = "Canceled"
	CauseBye                 = "Terminated"
	CauseMediaError          = "Media Error"
)

// TrackKind identifies the media type of a remote track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a remote media track negotiated for a session.
type Track struct {
	Kind   TrackKind
	ID     string
	Remote *webrtc.TrackRemote
}

// Event is one notification from a transport. Source identifies the
// transport instance that produced it so events from a replaced transport
// can be discarded.
type Event struct {
	Kind      EventKind
	Source    Transport
	Session   Session
	Direction Direction
	Cause     string
	Candidate string
	Track     *Track
}

// AnswerOptions tune the local answer to an inbound session.
type AnswerOptions struct {
	Video bool
}

// InviteOptions tune an outbound session.
type InviteOptions struct {
	Video       bool
	DisplayName string
}

// Session is the transport handle for one call.
type Session interface {
	ID() string
	Direction() Direction
	RemoteIdentity() string
	// Answer accepts an inbound session. It returns once the answer has been
	// sent; establishment is reported by EventAccepted/EventConfirmed.
	Answer(ctx context.Context, opts AnswerOptions) error
	// Terminate ends the session in whatever phase it is in: CANCEL for an
	// unanswered outbound call, 486 for an unanswered inbound call, BYE
	// otherwise. Terminating an ended session is a no-op.
	Terminate(ctx context.Context) error
	// ForceICEReady stops waiting for candidate gathering and proceeds with
	// the candidates found so far.
	ForceICEReady()
	HasVideo() bool
}

// Transport is a signaling connection bound to one user identity.
type Transport interface {
	// Start connects and begins registration without blocking; progress is
	// reported through the Sink.
	Start(ctx context.Context) error
	Stop()
	SendKeepalive(ctx context.Context) error
	Invite(ctx context.Context, target string, opts InviteOptions) (Session, error)
}

// Sink receives transport events. Implementations must not block.
type Sink func(Event)

// Factory builds a transport for one endpoint and identity.
type Factory func(ep Endpoint, cfg *sipconfig.Config, user sipconfig.User, sink Sink) (Transport, error)
