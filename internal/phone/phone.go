// Package phone is the explicit context object that owns one SIP identity
// and at most one call. Every transport event, timer callback, reload
// continuation and public operation runs as a closure on a single event
// loop goroutine, so the components it wires together need no locks.
package phone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/sipcore/sipcore/internal/call"
	"github.com/sipcore/sipcore/internal/events"
	"github.com/sipcore/sipcore/internal/ice"
	"github.com/sipcore/sipcore/internal/identity"
	"github.com/sipcore/sipcore/internal/media"
	"github.com/sipcore/sipcore/internal/registration"
	"github.com/sipcore/sipcore/internal/reload"
	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

// ErrClosed is returned by operations on a phone that was closed.
var ErrClosed = errors.New("phone is closed")

// ErrNotStarted is returned by operations before Start succeeded.
var ErrNotStarted = errors.New("phone is not started")

// Snapshot is the observable state of the phone.
type Snapshot = events.Snapshot

// loopBuffer bounds the queue of closures waiting for the loop.
const loopBuffer = 256

// Options configures a Phone.
type Options struct {
	// Source delivers the configuration and resolves the endpoint.
	Source reload.Source
	// Principal is the host user whose SIP identity is used.
	Principal string
	Factory   signaling.Factory

	Bus         *events.Bus
	Sink        media.Sink
	Devices     *media.Devices
	Preferences media.Preferences
	History     call.CallLog

	Clock  clock.Clock
	Logger *slog.Logger
	// ReloadInterval spaces reload fetches. Zero uses one second.
	ReloadInterval time.Duration
	// OnReload is called with the outcome of every reload.
	OnReload func(result string)
}

// Phone is a running SIP Core instance.
type Phone struct {
	source    reload.Source
	principal string
	bus       *events.Bus
	devices   *media.Devices
	prefs     media.Preferences
	clock     clock.Clock
	logger    *slog.Logger

	resolver *identity.Resolver
	router   *media.Router
	cues     *media.CuePlayer
	reg      *registration.Manager
	ice      *ice.Supervisor
	calls    *call.Controller
	reload   *reload.Coordinator

	// Loop-owned.
	cfg  *sipconfig.Config
	user sipconfig.User

	loop      chan func()
	done      chan struct{}
	exited    chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
}

// New wires the components. Nothing runs until Start.
func New(opts Options) (*Phone, error) {
	if opts.Source == nil {
		return nil, errors.New("phone: a config source is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("phone: a transport factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	sink := opts.Sink
	if sink == nil {
		sink = media.NewHeadlessSink(logger)
	}
	devices := opts.Devices
	if devices == nil {
		devices = media.NewDevices(nil, logger)
	}

	p := &Phone{
		source:    opts.Source,
		principal: opts.Principal,
		bus:       bus,
		devices:   devices,
		prefs:     opts.Preferences,
		clock:     clk,
		logger:    logger.With("subsystem", "phone"),
		resolver:  identity.NewResolver(logger),
		router:    media.NewRouter(sink, logger),
		cues:      media.NewCuePlayer(sink, logger),
		loop:      make(chan func(), loopBuffer),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}

	p.reg = registration.New(registration.Options{
		Factory:  opts.Factory,
		Sink:     p.receive,
		Post:     p.post,
		Clock:    clk,
		Logger:   logger,
		OnChange: func(string) { p.notify(events.KindStateUpdate) },
		// Sessions die with their transport, which emits nothing once stopped.
		OnTeardown: func() { p.calls.Drop(signaling.CauseConnectionError) },
	})
	p.ice = ice.NewSupervisor(ice.Options{
		Clock:   clk,
		Post:    p.post,
		Timeout: func() time.Duration { return p.config().ICEGatheringTimeout() },
		Logger:  logger,
	})
	p.calls = call.NewController(call.Options{
		Clock:      clk,
		Post:       p.post,
		Logger:     logger,
		Media:      p.router,
		ICE:        p.ice,
		Cues:       p.cues,
		History:    opts.History,
		Notify:     p.notify,
		Config:     p.config,
		Transport:  p.reg.Transport,
		Permission: p.ensureCapture,
	})

	var limiter *rate.Limiter
	if opts.ReloadInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.ReloadInterval), 1)
	}
	p.reload = reload.New(reload.Options{
		Source:   opts.Source,
		Target:   reloadTarget{p},
		Post:     p.post,
		Logger:   logger,
		Limiter:  limiter,
		OnResult: opts.OnReload,
	})
	return p, nil
}

// Start fetches the configuration, resolves the identity and endpoint,
// starts the loop and connects. Any failure before the loop starts is
// returned and leaves the phone unusable.
func (p *Phone) Start(ctx context.Context) error {
	data, err := p.source.FetchConfig(ctx)
	if err != nil {
		return err
	}
	cfg, err := sipconfig.Decode(data)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	user, err := p.resolver.Resolve(cfg, p.principal)
	if err != nil {
		return err
	}
	ep, err := p.source.ResolveEndpoint(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolving endpoint: %w", err)
	}

	p.cfg, p.user = cfg, user
	go p.run()
	p.started.Store(true)

	p.restoreOutput(ctx)

	var connectErr error
	if err := p.do(ctx, func() { connectErr = p.reg.Connect(ep, cfg, user) }); err != nil {
		return err
	}
	if connectErr != nil {
		return connectErr
	}
	p.logger.Info("phone started",
		"endpoint", ep.String(),
		"extension", user.Extension,
		"principal", p.principal,
	)
	return nil
}

// Close ends any call, disconnects and stops the loop. Safe to repeat.
func (p *Phone) Close() error {
	p.closeOnce.Do(func() {
		if p.started.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.do(ctx, func() {
				p.reload.Close()
				p.calls.Terminate(context.Background())
				p.ice.Stop(nil)
				p.reg.Disconnect()
			})
			cancel()
			if err != nil {
				p.logger.Warn("shutting down phone", "error", err)
			}
		}
		p.reload.Close()
		close(p.done)
		if p.started.Load() {
			<-p.exited
		}
		p.logger.Info("phone stopped")
	})
	return nil
}

func (p *Phone) run() {
	defer close(p.exited)
	for {
		select {
		case fn := <-p.loop:
			fn()
		case <-p.done:
			return
		}
	}
}

// post queues fn for the loop. Closures posted after Close are dropped.
func (p *Phone) post(fn func()) {
	select {
	case p.loop <- fn:
	case <-p.done:
	}
}

// do runs fn on the loop and waits for it to finish.
func (p *Phone) do(ctx context.Context, fn func()) error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	finished := make(chan struct{})
	select {
	case p.loop <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// receive is the sink every transport reports to. It runs on transport
// goroutines and hands the event to the loop.
func (p *Phone) receive(ev signaling.Event) {
	p.post(func() { p.dispatch(ev) })
}

func (p *Phone) config() *sipconfig.Config {
	if p.cfg == nil {
		return &sipconfig.Config{}
	}
	return p.cfg
}

// dispatch routes one transport event. It runs on the loop.
func (p *Phone) dispatch(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventConnected,
		signaling.EventDisconnected,
		signaling.EventRegistered,
		signaling.EventUnregistered,
		signaling.EventRegistrationFailed:
		p.reg.Handle(ev)

	case signaling.EventNewSession,
		signaling.EventProgress,
		signaling.EventAccepted,
		signaling.EventConfirmed,
		signaling.EventConnecting,
		signaling.EventTrack,
		signaling.EventFailed,
		signaling.EventEnded:
		if !p.fromLiveTransport(ev) {
			return
		}
		p.calls.Handle(ev)
		if ev.Kind == signaling.EventFailed || ev.Kind == signaling.EventEnded {
			p.ice.Stop(ev.Session)
		}

	case signaling.EventICECandidate:
		if !p.fromLiveTransport(ev) || !p.isCurrent(ev.Session) {
			return
		}
		p.ice.Candidate(ev.Session)

	case signaling.EventICEGatheringComplete:
		if !p.fromLiveTransport(ev) {
			return
		}
		p.ice.GatheringComplete(ev.Session)

	default:
		p.logger.Warn("unhandled signaling event", "event", ev.Kind.String())
	}
}

// fromLiveTransport drops session events of a transport that was already
// replaced. A session such a transport announces is rejected.
func (p *Phone) fromLiveTransport(ev signaling.Event) bool {
	if ev.Source != nil && ev.Source == p.reg.Transport() {
		return true
	}
	p.logger.Debug("dropping session event from stale transport", "event", ev.Kind.String())
	if ev.Kind == signaling.EventNewSession && ev.Session != nil {
		h := ev.Session
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.Terminate(ctx); err != nil {
				p.logger.Debug("rejecting session from stale transport", "session", h.ID(), "error", err)
			}
		}()
	}
	return false
}

func (p *Phone) isCurrent(h signaling.Session) bool {
	cur := p.calls.Current()
	return cur != nil && h != nil && cur.Handle == h
}

// notify publishes a notification with a fresh snapshot. Loop only.
func (p *Phone) notify(kind events.Kind) {
	p.bus.Publish(events.Notification{
		Kind:     kind,
		Snapshot: p.snapshot(),
		At:       p.clock.Now(),
	})
}

func (p *Phone) snapshot() Snapshot {
	s := Snapshot{
		State:              string(p.calls.State()),
		Registered:         p.reg.Registered(),
		RegistrationStatus: p.reg.Status(),
		Extension:          p.user.Extension,
	}
	if cur := p.calls.Current(); cur != nil {
		s.CallID = cur.ID
		s.Direction = string(cur.Direction)
		s.RemoteIdentity = cur.RemoteIdentity
		s.StartedAt = cur.StartedAt
		s.EstablishedAt = cur.EstablishedAt
		s.DurationSeconds = int(p.calls.Duration() / time.Second)
		s.HasRemoteVideo = cur.RemoteVideo != nil
	}
	return s
}

// Bus returns the notification bus.
func (p *Phone) Bus() *events.Bus {
	return p.bus
}

// Snapshot returns the current state.
func (p *Phone) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := p.do(ctx, func() { s = p.snapshot() })
	return s, err
}

// Answer accepts the incoming call. In any other state it does nothing.
func (p *Phone) Answer(ctx context.Context) error {
	return p.do(ctx, func() { p.calls.Answer(ctx) })
}

// Terminate ends the active call, if any.
func (p *Phone) Terminate(ctx context.Context) error {
	return p.do(ctx, func() { p.calls.Terminate(ctx) })
}

// Place calls destination. It returns once the INVITE is on its way; the
// call itself is reported through notifications.
func (p *Phone) Place(ctx context.Context, destination string) error {
	var (
		orig *call.Origination
		err  error
	)
	if doErr := p.do(ctx, func() { orig, err = p.calls.Place(destination) }); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	p.logger.Info("placing call", "target", orig.Target, "video", orig.Options.Video)
	if _, err := orig.Run(ctx); err != nil {
		return err
	}
	return nil
}

// Reload asks for the configuration to be fetched and applied.
func (p *Phone) Reload(ctx context.Context, reason string) error {
	return p.do(ctx, func() { p.reload.Hint(reason) })
}

// HintReload is Reload for callers that cannot wait, such as watchers.
func (p *Phone) HintReload(reason string) {
	p.post(func() { p.reload.Hint(reason) })
}
