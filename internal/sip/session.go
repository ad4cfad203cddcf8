package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/webrtc/v4"

	"github.com/sipcore/sipcore/internal/signaling"
)

type sessionState int

const (
	statePending sessionState = iota
	stateAnswering
	stateEstablished
	stateEnded
)

// ErrSessionEnded is returned when answering a session that already ended.
var ErrSessionEnded = errors.New("session has ended")

// Session is one call leg: its SIP dialog and the PeerConnection that
// carries its media.
type Session struct {
	t         *Transport
	id        string
	direction signaling.Direction
	remote    string
	logger    *slog.Logger

	gathered     chan struct{}
	gatheredOnce sync.Once
	iceReady     chan struct{}
	readyOnce    sync.Once
	decided      chan struct{}
	decidedOnce  sync.Once

	mu        sync.Mutex
	state     sessionState
	video     bool
	pc        *webrtc.PeerConnection
	confirmed bool
	seq       uint32

	// invite is the INVITE that created the dialog: received for inbound
	// sessions, the last one sent for outbound ones. response is the 2xx.
	invite   *sip.Request
	response *sip.Response
	inviteTx sip.ServerTransaction
	localTag string
	abort    context.CancelFunc
}

func newSession(t *Transport, id string, dir signaling.Direction, remote string) *Session {
	return &Session{
		t:         t,
		id:        id,
		direction: dir,
		remote:    remote,
		logger:    t.logger.With("session", id, "direction", string(dir)),
		gathered:  make(chan struct{}),
		iceReady:  make(chan struct{}),
		decided:   make(chan struct{}),
	}
}

func (s *Session) ID() string                     { return s.id }
func (s *Session) Direction() signaling.Direction { return s.direction }
func (s *Session) RemoteIdentity() string         { return s.remote }

// HasVideo reports whether the remote side offered or accepted video.
func (s *Session) HasVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// ForceICEReady releases a pending offer or answer with whatever candidates
// have been gathered.
func (s *Session) ForceICEReady() {
	s.readyOnce.Do(func() { close(s.iceReady) })
}

// Terminate ends the session in whatever phase it is in.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	if prev == stateEnded {
		s.mu.Unlock()
		return nil
	}
	s.state = stateEnded
	abort := s.abort
	s.mu.Unlock()
	defer s.cleanup()

	switch {
	case prev == stateEstablished:
		s.logger.Info("ending call")
		return s.sendBye(ctx)
	case s.direction == signaling.Inbound:
		s.logger.Info("rejecting call")
		if err := s.respond(486, "Busy Here", nil); err != nil {
			return fmt.Errorf("rejecting inbound call: %w", err)
		}
		return nil
	default:
		s.logger.Info("canceling call")
		if abort != nil {
			abort()
		}
		return nil
	}
}

func (s *Session) sendBye(ctx context.Context) error {
	s.mu.Lock()
	s.seq++
	d := dialogState{
		uac:      s.direction == signaling.Outbound,
		invite:   s.invite,
		response: s.response,
		contact:  s.t.contactValue(),
		seq:      s.seq,
	}
	s.mu.Unlock()

	bye := buildBYE(d)
	bye.SetTransport(s.invite.Transport())
	bye.SetDestination(s.t.ep.Addr())

	res, err := s.t.roundTrip(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	if res.StatusCode >= 300 {
		s.logger.Warn("bye rejected", "status", res.StatusCode, "reason", res.Reason)
	}
	return nil
}

// end marks the session ended by the remote side or the network and
// reports it. It is a no-op once the session has ended.
func (s *Session) end(cause string) {
	s.mu.Lock()
	prev := s.state
	if prev == stateEnded {
		s.mu.Unlock()
		return
	}
	s.state = stateEnded
	s.mu.Unlock()
	s.cleanup()

	kind := signaling.EventFailed
	if prev == stateEstablished {
		kind = signaling.EventEnded
	}
	s.logger.Info("call ended by remote", "cause", cause)
	s.emit(signaling.Event{Kind: kind, Cause: cause})
}

func (s *Session) cleanup() {
	s.ForceICEReady()
	s.decidedOnce.Do(func() { close(s.decided) })
	s.t.forget(s)

	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	s.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Debug("closing peer connection", "error", err)
		}
	}
}

// attachPeer routes the PeerConnection callbacks into session events.
func (s *Session) attachPeer(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			s.gatheredOnce.Do(func() { close(s.gathered) })
			s.emit(signaling.Event{Kind: signaling.EventICEGatheringComplete})
			return
		}
		s.emit(signaling.Event{Kind: signaling.EventICECandidate, Candidate: c.ToJSON().Candidate})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.logger.Debug("ice connection state", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateChecking:
			s.emit(signaling.Event{Kind: signaling.EventConnecting})
		case webrtc.ICEConnectionStateFailed:
			s.end(signaling.CauseMediaError)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := signaling.TrackAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = signaling.TrackVideo
		}
		s.emit(signaling.Event{
			Kind:  signaling.EventTrack,
			Track: &signaling.Track{Kind: kind, ID: track.ID(), Remote: track},
		})
	})
}

// awaitICE blocks until gathering completes or the session is forced
// ready, then returns the local description with its candidates.
func (s *Session) awaitICE(ctx context.Context, pc *webrtc.PeerConnection) (string, error) {
	select {
	case <-s.gathered:
	case <-s.iceReady:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	desc := pc.LocalDescription()
	if desc == nil {
		return "", errors.New("no local description")
	}
	return desc.SDP, nil
}

func (s *Session) emit(ev signaling.Event) {
	ev.Session = s
	ev.Direction = s.direction
	s.t.emit(ev)
}

// remoteIdentity renders the From (or To) address of the other party.
func remoteIdentity(display string, uri sip.Uri) string {
	addr := uri.User
	if addr == "" {
		addr = uri.Host
	} else if uri.Host != "" {
		addr += "@" + uri.Host
	}
	if display != "" {
		return fmt.Sprintf("%s <%s>", display, addr)
	}
	return addr
}
