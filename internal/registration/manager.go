// Package registration owns the signaling transport for the resolved
// identity: connecting and disconnecting it, tracking registration status,
// the keepalive heartbeat and the single reconnect after a connection error.
//
// A Manager is not safe for concurrent use. All methods, and the functions
// it hands to Post, must run on the owner's event loop.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

// Registration status values.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusRegistered   = "registered"
	StatusUnregistered = "unregistered"
	StatusFailed       = "failed"
)

// ReconnectDelay is the fixed wait before the single reconnect attempt that
// follows a connection error.
const ReconnectDelay = 5 * time.Second

// Options configures a Manager.
type Options struct {
	Factory signaling.Factory
	// Sink receives every event of every transport the manager builds.
	Sink signaling.Sink
	// Post schedules fn on the owner's event loop. Timer callbacks never
	// touch the manager directly.
	Post   func(fn func())
	Clock  clock.Clock
	Logger *slog.Logger
	// OnChange is called synchronously after every status transition.
	OnChange func(status string)
	// OnTeardown is called before a live transport is stopped, while its
	// sessions still exist.
	OnTeardown func()
}

// Manager drives one signaling transport at a time.
type Manager struct {
	factory    signaling.Factory
	sink       signaling.Sink
	post       func(func())
	clock      clock.Clock
	logger     *slog.Logger
	onChange   func(string)
	onTeardown func()

	status *fsm.FSM

	transport signaling.Transport
	cancel    context.CancelFunc
	endpoint  signaling.Endpoint
	cfg       *sipconfig.Config
	user      sipconfig.User

	heartbeat    *clock.Timer
	heartbeatGen uint64

	reconnectsScheduled int
}

// New creates a disconnected manager.
func New(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		factory:    opts.Factory,
		sink:       opts.Sink,
		post:       opts.Post,
		clock:      clk,
		logger:     logger.With("subsystem", "registration"),
		onChange:   opts.OnChange,
		onTeardown: opts.OnTeardown,
	}
	m.status = fsm.NewFSM(
		StatusDisconnected,
		fsm.Events{
			{Name: "connect", Src: []string{StatusDisconnected, StatusConnecting, StatusConnected, StatusRegistered, StatusUnregistered, StatusFailed}, Dst: StatusConnecting},
			{Name: "connected", Src: []string{StatusConnecting}, Dst: StatusConnected},
			{Name: "registered", Src: []string{StatusConnecting, StatusConnected, StatusRegistered, StatusUnregistered, StatusFailed}, Dst: StatusRegistered},
			{Name: "unregistered", Src: []string{StatusConnecting, StatusConnected, StatusRegistered, StatusFailed}, Dst: StatusUnregistered},
			{Name: "fail", Src: []string{StatusDisconnected, StatusConnecting, StatusConnected, StatusRegistered, StatusUnregistered, StatusFailed}, Dst: StatusFailed},
			{Name: "disconnect", Src: []string{StatusConnecting, StatusConnected, StatusRegistered, StatusUnregistered, StatusFailed}, Dst: StatusDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("registration status changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return m
}

// Status returns the current registration status.
func (m *Manager) Status() string {
	return m.status.Current()
}

// Registered reports whether the identity is currently registered.
func (m *Manager) Registered() bool {
	return m.status.Current() == StatusRegistered
}

// Transport returns the live transport, or nil when disconnected.
func (m *Manager) Transport() signaling.Transport {
	return m.transport
}

// Endpoint returns the endpoint of the most recent Connect.
func (m *Manager) Endpoint() signaling.Endpoint {
	return m.endpoint
}

// HeartbeatActive reports whether a keepalive timer is pending.
func (m *Manager) HeartbeatActive() bool {
	return m.heartbeat != nil
}

// ReconnectsScheduled returns how many reconnect attempts have been
// scheduled since the manager was created.
func (m *Manager) ReconnectsScheduled() int {
	return m.reconnectsScheduled
}

// Connect replaces any existing transport with a new one for ep and user
// and starts it. The arguments become the target of later reconnects.
func (m *Manager) Connect(ep signaling.Endpoint, cfg *sipconfig.Config, user sipconfig.User) error {
	m.teardown()

	m.endpoint, m.cfg, m.user = ep, cfg, user

	t, err := m.factory(ep, cfg, user, m.sink)
	if err != nil {
		m.transition("fail")
		return fmt.Errorf("building transport for %s: %w", ep, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.transport, m.cancel = t, cancel
	m.transition("connect")

	m.logger.Info("connecting",
		"endpoint", ep.String(),
		"extension", user.Extension,
	)
	if err := t.Start(ctx); err != nil {
		m.teardown()
		m.transition("fail")
		return fmt.Errorf("starting transport for %s: %w", ep, err)
	}
	return nil
}

// Disconnect stops the transport and cancels the heartbeat. The last
// endpoint, config and user are kept for a pending reconnect.
func (m *Manager) Disconnect() {
	if m.transport == nil && m.heartbeat == nil {
		return
	}
	m.teardown()
	m.transition("disconnect")
	m.logger.Info("disconnected")
}

func (m *Manager) teardown() {
	m.stopHeartbeat()
	if m.transport != nil {
		if m.onTeardown != nil {
			m.onTeardown()
		}
		m.transport.Stop()
		m.transport = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Handle consumes the registration-related transport events. It reports
// false for events it ignored because they came from a replaced transport.
func (m *Manager) Handle(ev signaling.Event) bool {
	if ev.Source == nil || ev.Source != m.transport {
		m.logger.Debug("dropping event from stale transport", "event", ev.Kind.String())
		return false
	}

	switch ev.Kind {
	case signaling.EventConnected:
		m.transition("connected")

	case signaling.EventDisconnected:
		m.stopHeartbeat()
		m.transition("disconnect")

	case signaling.EventRegistered:
		m.startHeartbeat()
		m.transition("registered")
		m.logger.Info("registered", "extension", m.user.Extension)

	case signaling.EventUnregistered:
		m.stopHeartbeat()
		m.transition("unregistered")
		m.logger.Info("unregistered", "extension", m.user.Extension)

	case signaling.EventRegistrationFailed:
		m.stopHeartbeat()
		m.transition("fail")
		m.logger.Warn("registration failed", "extension", m.user.Extension, "cause", ev.Cause)
		if ev.Cause == signaling.CauseConnectionError {
			m.scheduleReconnect()
		}

	default:
		return false
	}
	return true
}

func (m *Manager) transition(event string) {
	err := m.status.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	switch {
	case err == nil, errors.As(err, &noTransition):
	case errors.As(err, &invalid):
		m.logger.Debug("ignoring registration event", "event", event, "status", m.status.Current())
	default:
		m.logger.Error("registration status machine", "event", event, "error", err)
	}
	if m.onChange != nil {
		m.onChange(m.status.Current())
	}
}

// scheduleReconnect arms one uncancelable reconnect. A second failure
// while one is pending arms a second, independent attempt.
func (m *Manager) scheduleReconnect() {
	m.reconnectsScheduled++
	m.logger.Info("scheduling reconnect", "delay", ReconnectDelay.String())
	m.clock.AfterFunc(ReconnectDelay, func() {
		m.post(m.reconnect)
	})
}

func (m *Manager) reconnect() {
	if m.cfg == nil {
		return
	}
	m.logger.Info("reconnecting", "endpoint", m.endpoint.String())
	if err := m.Connect(m.endpoint, m.cfg, m.user); err != nil {
		m.logger.Error("reconnect failed", "error", err)
	}
}

func (m *Manager) startHeartbeat() {
	m.stopHeartbeat()
	if m.cfg == nil {
		return
	}
	m.heartbeatGen++
	m.armHeartbeat(m.heartbeatGen)
}

func (m *Manager) armHeartbeat(gen uint64) {
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval(), func() {
		m.post(func() { m.heartbeatTick(gen) })
	})
}

func (m *Manager) heartbeatTick(gen uint64) {
	if gen != m.heartbeatGen || m.heartbeat == nil || m.transport == nil {
		return
	}
	t := m.transport
	timeout := m.cfg.HeartbeatInterval()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := t.SendKeepalive(ctx); err != nil {
			m.logger.Warn("keepalive failed", "error", err)
		}
	}()
	m.armHeartbeat(gen)
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	m.heartbeatGen++
}
