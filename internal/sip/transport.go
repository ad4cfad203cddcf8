// Package sip is the SIP signaling transport built on sipgo: registration
// with digest authentication, OPTIONS keepalives, and call sessions whose
// media is negotiated by a pion PeerConnection.
package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

const (
	defaultUserAgent  = "sipcore"
	unregisterTimeout = 5 * time.Second
	// refreshRatio is the share of the granted expiry after which the
	// registration is refreshed.
	refreshRatio = 0.8
)

// FactoryOptions are shared by every transport a factory builds.
type FactoryOptions struct {
	Logger *slog.Logger
	// ListenAddr is where udp and tcp transports accept requests from the
	// PBX. WebSocket transports receive over their client connection.
	ListenAddr string
	UserAgent  string
	Tracer     *MessageTracer
}

// NewFactory returns a signaling.Factory producing sipgo transports.
func NewFactory(opts FactoryOptions) signaling.Factory {
	if opts.Tracer != nil {
		opts.Tracer.Install()
	}
	return func(ep signaling.Endpoint, cfg *sipconfig.Config, user sipconfig.User, sink signaling.Sink) (signaling.Transport, error) {
		return NewTransport(ep, cfg, user, sink, opts)
	}
}

// Transport is one signaling connection registered as one extension.
type Transport struct {
	ep     signaling.Endpoint
	cfg    *sipconfig.Config
	user   sipconfig.User
	sink   signaling.Sink
	opts   FactoryOptions
	logger *slog.Logger

	domain      string
	contactHost string
	contactPort int

	ua     *sipgo.UserAgent
	client *sipgo.Client
	srv    *sipgo.Server
	ctx    context.Context
	cancel context.CancelFunc

	connectedOnce sync.Once
	stopOnce      sync.Once
	stopped       atomic.Bool
	registered    atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTransport validates the identity and prepares a transport. Nothing is
// sent until Start.
func NewTransport(ep signaling.Endpoint, cfg *sipconfig.Config, user sipconfig.User, sink signaling.Sink, opts FactoryOptions) (*Transport, error) {
	if cfg == nil {
		return nil, errors.New("sip transport requires a config")
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("sip transport identity: %w", err)
	}
	if sink == nil {
		return nil, errors.New("sip transport requires an event sink")
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	domain := cfg.PBXServer
	if domain == "" {
		domain = ep.Host
	}

	t := &Transport{
		ep:       ep,
		cfg:      cfg,
		user:     user,
		sink:     sink,
		opts:     opts,
		domain:   domain,
		sessions: make(map[string]*Session),
		logger: logger.With(
			"subsystem", "sip",
			"extension", user.Extension,
			"endpoint", ep.String(),
		),
	}
	t.contactHost, t.contactPort = contactAddress(ep, opts.ListenAddr)
	return t, nil
}

// contactAddress picks the host advertised in Contact headers. WebSocket
// clients are not reachable by address, so they advertise a random
// .invalid host and rely on the connection they opened.
func contactAddress(ep signaling.Endpoint, listenAddr string) (string, int) {
	if isWebSocket(ep.Transport) || listenAddr == "" {
		return strings.ToLower(uuid.NewString()[:8]) + ".invalid", 0
	}
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr, 0
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	var p int
	fmt.Sscanf(port, "%d", &p)
	return host, p
}

func isWebSocket(transport string) bool {
	return transport == "ws" || transport == "wss"
}

// Start creates the user agent and begins registering in the background.
func (t *Transport) Start(ctx context.Context) error {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(t.opts.UserAgent),
		sipgo.WithUserAgentHostname(t.contactHost),
	)
	if err != nil {
		return fmt.Errorf("creating sip user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(t.logger))
	if err != nil {
		ua.Close()
		return fmt.Errorf("creating sip client: %w", err)
	}
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(t.logger))
	if err != nil {
		client.Close()
		ua.Close()
		return fmt.Errorf("creating sip server: %w", err)
	}
	t.ua, t.client, t.srv = ua, client, srv
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.registerHandlers()

	if !isWebSocket(t.ep.Transport) && t.opts.ListenAddr != "" {
		network := t.ep.Transport
		if network == "tls" {
			network = "tcp"
		}
		go func() {
			if err := srv.ListenAndServe(t.ctx, network, t.opts.ListenAddr); err != nil && t.ctx.Err() == nil {
				t.logger.Error("sip listener stopped", "network", network, "addr", t.opts.ListenAddr, "error", err)
				t.emit(signaling.Event{Kind: signaling.EventDisconnected})
			}
		}()
	}

	go t.registrationLoop(t.ctx)
	return nil
}

func (t *Transport) registerHandlers() {
	t.srv.OnInvite(t.handleInvite)
	t.srv.OnAck(t.handleAck)
	t.srv.OnBye(t.handleBye)
	t.srv.OnCancel(t.handleCancel)
	t.srv.OnOptions(t.handleOptions)
}

// Stop tears the transport down without blocking: live sessions are ended
// and the registration is removed in the background.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.ua == nil {
			return
		}
		t.cancel()

		t.mu.Lock()
		sessions := make([]*Session, 0, len(t.sessions))
		for _, s := range t.sessions {
			sessions = append(sessions, s)
		}
		t.mu.Unlock()
		wasRegistered := t.registered.Swap(false)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
			defer cancel()
			for _, s := range sessions {
				if err := s.Terminate(ctx); err != nil {
					t.logger.Debug("ending session on stop", "session", s.ID(), "error", err)
				}
			}
			if wasRegistered {
				if _, err := t.register(ctx, 0); err != nil {
					t.logger.Warn("unregister failed", "error", err)
				} else {
					t.logger.Info("unregistered")
				}
			}
			t.srv.Close()
			t.client.Close()
			t.ua.Close()
		}()
	})
}

// SendKeepalive pings the registrar with OPTIONS. Any response proves the
// connection; a transport failure is reported as a connection error.
func (t *Transport) SendKeepalive(ctx context.Context) error {
	if t.client == nil || t.stopped.Load() {
		return errors.New("sip transport is not running")
	}
	recipient, err := t.uri("")
	if err != nil {
		return err
	}
	req := t.newRequest(sip.OPTIONS, recipient)

	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		t.connectionLost(err)
		return fmt.Errorf("sending keepalive: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		t.connectionLost(err)
		return fmt.Errorf("waiting for keepalive response: %w", err)
	}
	t.logger.Debug("keepalive answered", "status", res.StatusCode)
	return nil
}

func (t *Transport) connectionLost(err error) {
	if t.stopped.Load() {
		return
	}
	t.logger.Warn("signaling connection lost", "error", err)
	t.registered.Store(false)
	t.emit(signaling.Event{Kind: signaling.EventDisconnected})
	t.emit(signaling.Event{Kind: signaling.EventRegistrationFailed, Cause: signaling.CauseConnectionError})
}

func (t *Transport) registrationLoop(ctx context.Context) {
	expires := t.cfg.RegisterExpires
	if expires <= 0 {
		expires = sipconfig.DefaultRegisterExpires
	}

	for {
		granted, err := t.register(ctx, expires)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			cause := failureCause(err)
			t.logger.Error("registration failed", "cause", cause, "error", err)
			t.registered.Store(false)
			t.emit(signaling.Event{Kind: signaling.EventRegistrationFailed, Cause: cause})
			return
		}

		if !t.registered.Swap(true) {
			t.logger.Info("registered", "expires", granted)
			t.emit(signaling.Event{Kind: signaling.EventRegistered})
		} else {
			t.logger.Debug("registration refreshed", "expires", granted)
		}

		refresh := time.Duration(float64(granted)*refreshRatio) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}
	}
}

func (t *Transport) markConnected() {
	t.connectedOnce.Do(func() {
		t.emit(signaling.Event{Kind: signaling.EventConnected})
	})
}

func (t *Transport) emit(ev signaling.Event) {
	if t.stopped.Load() {
		return
	}
	ev.Source = t
	t.sink(ev)
}

// uri builds a SIP URI in the PBX domain. An empty user addresses the
// domain itself.
func (t *Transport) uri(user string) (sip.Uri, error) {
	raw := "sip:" + t.domain
	if user != "" {
		raw = "sip:" + user + "@" + t.domain
	}
	var u sip.Uri
	if err := sip.ParseUri(raw, &u); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing uri %q: %w", raw, err)
	}
	return u, nil
}

func (t *Transport) aor() string {
	return fmt.Sprintf("<sip:%s@%s>", t.user.Extension, t.domain)
}

func (t *Transport) contactValue() string {
	host := t.contactHost
	if t.contactPort > 0 {
		host = fmt.Sprintf("%s:%d", host, t.contactPort)
	}
	return fmt.Sprintf("<sip:%s@%s;transport=%s>", t.user.Extension, host, strings.ToLower(t.ep.Transport))
}

// newRequest addresses req to recipient and routes it through the
// signaling endpoint.
func (t *Transport) newRequest(method sip.RequestMethod, recipient sip.Uri) *sip.Request {
	req := sip.NewRequest(method, recipient)
	req.SetTransport(strings.ToUpper(t.ep.Transport))
	req.SetDestination(t.ep.Addr())
	return req
}

func (t *Transport) track(s *Session) {
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
}

func (t *Transport) forget(s *Session) {
	t.mu.Lock()
	if cur, ok := t.sessions[s.id]; ok && cur == s {
		delete(t.sessions, s.id)
	}
	t.mu.Unlock()
}

func (t *Transport) lookup(callID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[callID]
}

func (t *Transport) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		t.logger.Error("failed to respond to OPTIONS", "error", err)
	}
}
