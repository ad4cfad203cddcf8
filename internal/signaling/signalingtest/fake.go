// Package signalingtest provides in-memory transports and sessions for tests.
package signalingtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

// Session is a scripted signaling.Session that records what was asked of it.
type Session struct {
	id        string
	direction signaling.Direction
	remote    string
	video     bool

	mu          sync.Mutex
	answers     int
	terminates  int
	forcedReady int
	AnswerErr   error
}

// NewSession returns a session with the given identity.
func NewSession(id string, dir signaling.Direction, remote string) *Session {
	return &Session{id: id, direction: dir, remote: remote}
}

// WithVideo marks the session as carrying a video offer.
func (s *Session) WithVideo() *Session {
	s.video = true
	return s
}

func (s *Session) ID() string                     { return s.id }
func (s *Session) Direction() signaling.Direction { return s.direction }
func (s *Session) RemoteIdentity() string         { return s.remote }
func (s *Session) HasVideo() bool                 { return s.video }

func (s *Session) Answer(ctx context.Context, opts signaling.AnswerOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers++
	return s.AnswerErr
}

func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminates++
	return nil
}

func (s *Session) ForceICEReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedReady++
}

// Answers returns how many times Answer was called.
func (s *Session) Answers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers
}

// Terminates returns how many times Terminate was called.
func (s *Session) Terminates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminates
}

// ForcedReady returns how many times ForceICEReady was called.
func (s *Session) ForcedReady() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forcedReady
}

// Transport is a scripted signaling.Transport.
type Transport struct {
	Endpoint signaling.Endpoint
	User     sipconfig.User
	Config   *sipconfig.Config

	sink signaling.Sink

	mu         sync.Mutex
	started    int
	stopped    int
	keepalives int
	invites    []string
	inviteOpts []signaling.InviteOptions
	nextID     int

	StartErr  error
	InviteErr error
}

// Emit delivers ev to the sink with Source set to this transport.
func (t *Transport) Emit(ev signaling.Event) {
	ev.Source = t
	t.sink(ev)
}

// EmitSession delivers a session-scoped event.
func (t *Transport) EmitSession(kind signaling.EventKind, s signaling.Session) {
	t.Emit(signaling.Event{Kind: kind, Session: s, Direction: s.Direction()})
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started++
	return t.StartErr
}

func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
}

func (t *Transport) SendKeepalive(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keepalives++
	return nil
}

// Invite records the target and returns a new outbound Session. The session
// is not announced; tests emit EventNewSession themselves.
func (t *Transport) Invite(ctx context.Context, target string, opts signaling.InviteOptions) (signaling.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invites = append(t.invites, target)
	t.inviteOpts = append(t.inviteOpts, opts)
	if t.InviteErr != nil {
		return nil, t.InviteErr
	}
	t.nextID++
	return NewSession(fmt.Sprintf("out-%d", t.nextID), signaling.Outbound, target), nil
}

// Started returns how many times Start was called.
func (t *Transport) Started() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Stopped returns how many times Stop was called.
func (t *Transport) Stopped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Keepalives returns how many keepalives were sent.
func (t *Transport) Keepalives() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keepalives
}

// Invites returns the targets passed to Invite.
func (t *Transport) Invites() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.invites...)
}

// InviteOptions returns the options passed to Invite.
func (t *Transport) InviteOptions() []signaling.InviteOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]signaling.InviteOptions(nil), t.inviteOpts...)
}

// Factory builds Transports and remembers every one it built.
type Factory struct {
	mu         sync.Mutex
	transports []*Transport
	Err        error
}

// Build implements signaling.Factory.
func (f *Factory) Build(ep signaling.Endpoint, cfg *sipconfig.Config, user sipconfig.User, sink signaling.Sink) (signaling.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t := &Transport{Endpoint: ep, User: user, Config: cfg, sink: sink}
	f.transports = append(f.transports, t)
	return t, nil
}

// Count returns how many transports were built.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// Last returns the most recently built transport, or nil.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// All returns every transport built so far.
func (f *Factory) All() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}
