package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/sipcore/sipcore/internal/events"
	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

// TickInterval is the cadence of the call-duration ticker.
const TickInterval = time.Second

// terminateTimeout bounds the background CANCEL/BYE/486 exchange.
const terminateTimeout = 10 * time.Second

var (
	// ErrCallInProgress is returned by Place while a session exists.
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrNotConnected is returned by Place when no transport is up.
	ErrNotConnected = errors.New("signaling transport is not connected")
)

// MediaRouter receives the remote tracks of the active call.
type MediaRouter interface {
	Bind(track signaling.Track) error
	Clear()
}

// ICESupervisor is told when a session goes away.
type ICESupervisor interface {
	Stop(sess signaling.Session)
}

// Cues plays the incoming ringtone and the outgoing ringback tone.
type Cues interface {
	Ringtone(url string)
	Ringback(url string)
	Stop()
}

// Record is one finished call.
type Record struct {
	ID             string
	Direction      signaling.Direction
	RemoteIdentity string
	StartedAt      time.Time
	AnsweredAt     time.Time
	EndedAt        time.Time
	Cause          string
}

// CallLog persists finished calls.
type CallLog interface {
	Record(ctx context.Context, r Record) error
}

// Options configures a Controller.
type Options struct {
	Clock  clock.Clock
	Post   func(fn func())
	Logger *slog.Logger

	Media   MediaRouter
	ICE     ICESupervisor
	Cues    Cues
	History CallLog
	Notify  func(kind events.Kind)

	// Config returns the current configuration snapshot.
	Config func() *sipconfig.Config
	// Transport returns the live signaling transport or nil.
	Transport func() signaling.Transport
	// Permission obtains access to the capture devices before a call.
	Permission func(ctx context.Context, video bool) error
}

// Controller owns the current-session slot. Only Controller creates or
// clears it, and only from the owner's event loop.
type Controller struct {
	clock  clock.Clock
	post   func(func())
	logger *slog.Logger

	media      MediaRouter
	ice        ICESupervisor
	cues       Cues
	history    CallLog
	notify     func(events.Kind)
	config     func() *sipconfig.Config
	transport  func() signaling.Transport
	permission func(context.Context, bool) error

	session *Session

	ticker    *clock.Timer
	tickerGen uint64
}

// NewController creates an idle controller.
func NewController(opts Options) *Controller {
	c := &Controller{
		clock:      opts.Clock,
		post:       opts.Post,
		logger:     opts.Logger,
		media:      opts.Media,
		ice:        opts.ICE,
		cues:       opts.Cues,
		history:    opts.History,
		notify:     opts.Notify,
		config:     opts.Config,
		transport:  opts.Transport,
		permission: opts.Permission,
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("subsystem", "call")
	if c.media == nil {
		c.media = nopMedia{}
	}
	if c.ice == nil {
		c.ice = nopICE{}
	}
	if c.cues == nil {
		c.cues = nopCues{}
	}
	if c.notify == nil {
		c.notify = func(events.Kind) {}
	}
	if c.config == nil {
		c.config = func() *sipconfig.Config { return &sipconfig.Config{} }
	}
	if c.transport == nil {
		c.transport = func() signaling.Transport { return nil }
	}
	return c
}

// Current returns the active session or nil. Callers must not modify it.
func (c *Controller) Current() *Session {
	return c.session
}

// State derives the connection state from the current session.
func (c *Controller) State() ConnectionState {
	return DeriveState(c.session)
}

// Duration returns how long the active call has been established.
func (c *Controller) Duration() time.Duration {
	if c.session == nil || !c.session.Established() {
		return 0
	}
	return c.clock.Since(c.session.EstablishedAt)
}

// TickerActive reports whether the duration ticker is running.
func (c *Controller) TickerActive() bool {
	return c.ticker != nil
}

func (c *Controller) isCurrent(h signaling.Session) bool {
	return c.session != nil && h != nil && c.session.Handle == h
}

// Handle applies one session event. It reports whether the event was a
// session event for this controller.
func (c *Controller) Handle(ev signaling.Event) bool {
	switch ev.Kind {
	case signaling.EventNewSession:
		c.onNewSession(ev)

	case signaling.EventProgress:
		if !c.isCurrent(ev.Session) {
			return true
		}
		if c.session.Direction == signaling.Outbound && !c.session.ringback {
			c.session.ringback = true
			c.cues.Ringback(c.config().OutgoingRingtoneURL)
		}

	case signaling.EventAccepted, signaling.EventConfirmed:
		if !c.isCurrent(ev.Session) || c.session.Established() {
			return true
		}
		c.session.EstablishedAt = c.clock.Now()
		c.session.Connecting = false
		c.cues.Stop()
		c.startTicker()
		c.logger.Info("call established",
			"call_id", c.session.ID,
			"direction", string(c.session.Direction),
			"remote", c.session.RemoteIdentity,
		)
		c.notify(events.KindStateUpdate)

	case signaling.EventConnecting:
		if !c.isCurrent(ev.Session) || c.session.Established() || c.session.Connecting {
			return true
		}
		c.session.Connecting = true
		c.notify(events.KindStateUpdate)

	case signaling.EventTrack:
		if !c.isCurrent(ev.Session) || ev.Track == nil {
			return true
		}
		c.onTrack(*ev.Track)

	case signaling.EventFailed, signaling.EventEnded:
		if ev.Session != nil && c.session != nil && !c.isCurrent(ev.Session) {
			c.logger.Debug("ignoring end of a session that is not current", "event", ev.Kind.String())
			return true
		}
		c.cleanup(ev.Cause)

	default:
		return false
	}
	return true
}

func (c *Controller) onNewSession(ev signaling.Event) {
	h := ev.Session
	if h == nil {
		return
	}
	if c.session != nil {
		if c.session.Handle == h {
			return
		}
		c.logger.Warn("rejecting session while another call is active",
			"rejected", h.ID(),
			"remote", h.RemoteIdentity(),
			"active", c.session.ID,
			"cause", signaling.CauseBusy,
		)
		c.terminateHandle(h)
		return
	}

	c.session = &Session{
		ID:             uuid.NewString(),
		Direction:      h.Direction(),
		RemoteIdentity: h.RemoteIdentity(),
		StartedAt:      c.clock.Now(),
		Handle:         h,
	}
	c.logger.Info("call started",
		"call_id", c.session.ID,
		"direction", string(c.session.Direction),
		"remote", c.session.RemoteIdentity,
	)
	c.notify(events.KindCallStarted)
	c.notify(events.KindStateUpdate)

	if c.session.Direction != signaling.Inbound {
		return
	}
	cfg := c.config()
	if cfg.AutoAnswer {
		c.logger.Info("auto-answering", "call_id", c.session.ID)
		c.answer(context.Background())
		return
	}
	c.cues.Ringtone(cfg.IncomingRingtoneURL)
}

func (c *Controller) onTrack(t signaling.Track) {
	if err := c.media.Bind(t); err != nil {
		c.logger.Warn("binding remote track", "kind", string(t.Kind), "error", err)
	}
	switch t.Kind {
	case signaling.TrackAudio:
		c.session.RemoteAudio = &t
	case signaling.TrackVideo:
		c.session.RemoteVideo = &t
	}
}

// Answer accepts the incoming call. Outside INCOMING it logs a warning
// and does nothing.
func (c *Controller) Answer(ctx context.Context) {
	if c.State() != StateIncoming {
		c.logger.Warn("answer ignored", "state", string(c.State()))
		return
	}
	c.answer(ctx)
}

func (c *Controller) answer(ctx context.Context) {
	h := c.session.Handle
	opts := signaling.AnswerOptions{Video: c.config().Video && h.HasVideo()}
	c.cues.Stop()

	ctx = context.WithoutCancel(ctx)
	permission := c.permission
	go func() {
		if permission != nil {
			if err := permission(ctx, opts.Video); err != nil {
				c.post(func() { c.answerFailed(h, err) })
				return
			}
		}
		if err := h.Answer(ctx, opts); err != nil {
			c.post(func() { c.answerFailed(h, err) })
		}
	}()
}

func (c *Controller) answerFailed(h signaling.Session, err error) {
	c.logger.Error("answering call", "session", h.ID(), "error", err)
	if !c.isCurrent(h) {
		return
	}
	c.terminateHandle(h)
	c.cleanup(signaling.CauseMediaError)
}

// Terminate ends the active call in any state. The local cleanup happens
// immediately; the signaling exchange continues in the background.
func (c *Controller) Terminate(ctx context.Context) {
	if c.session == nil {
		c.logger.Debug("terminate ignored, no active call")
		return
	}
	h := c.session.Handle
	c.logger.Info("terminating call", "call_id", c.session.ID, "state", string(c.State()))
	c.cleanup(signaling.CauseCanceled)
	c.terminateHandleCtx(ctx, h)
}

// Drop ends the current call because its transport is going away. The
// session is cleaned up with cause and then terminated best-effort.
func (c *Controller) Drop(cause string) {
	if c.session == nil {
		return
	}
	h := c.session.Handle
	c.logger.Warn("dropping call, transport is going away", "call_id", c.session.ID, "cause", cause)
	c.cleanup(cause)
	c.terminateHandle(h)
}

func (c *Controller) terminateHandle(h signaling.Session) {
	c.terminateHandleCtx(context.Background(), h)
}

func (c *Controller) terminateHandleCtx(ctx context.Context, h signaling.Session) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, terminateTimeout)
		defer cancel()
		if err := h.Terminate(ctx); err != nil {
			c.logger.Warn("terminating session", "session", h.ID(), "error", err)
		}
	}()
}

// Origination is a validated outbound call waiting to be sent.
type Origination struct {
	Target     string
	Options    signaling.InviteOptions
	transport  signaling.Transport
	permission func(context.Context, bool) error
}

// Place validates destination and prepares an origination. The returned
// Origination must be run off the event loop.
func (c *Controller) Place(destination string) (*Origination, error) {
	if err := ValidateDestination(destination); err != nil {
		return nil, err
	}
	if c.session != nil {
		return nil, ErrCallInProgress
	}
	t := c.transport()
	if t == nil {
		return nil, ErrNotConnected
	}
	cfg := c.config()
	return &Origination{
		Target:     QualifyDestination(destination, cfg.PBXServer),
		Options:    signaling.InviteOptions{Video: cfg.Video},
		transport:  t,
		permission: c.permission,
	}, nil
}

// Run acquires the capture devices and sends the INVITE. The new session
// is announced by the transport through EventNewSession.
func (o *Origination) Run(ctx context.Context) (signaling.Session, error) {
	if o.permission != nil {
		if err := o.permission(ctx, o.Options.Video); err != nil {
			return nil, fmt.Errorf("placing call to %s: %w", o.Target, err)
		}
	}
	sess, err := o.transport.Invite(ctx, o.Target, o.Options)
	if err != nil {
		return nil, fmt.Errorf("placing call to %s: %w", o.Target, err)
	}
	return sess, nil
}

// cleanup releases everything tied to the active call. It is safe to call
// when nothing is active.
func (c *Controller) cleanup(cause string) {
	ended := c.session
	c.session = nil

	c.media.Clear()
	c.stopTicker()
	c.cues.Stop()
	c.ice.Stop(nil)

	if ended == nil {
		return
	}

	c.logger.Info("call ended",
		"call_id", ended.ID,
		"remote", ended.RemoteIdentity,
		"cause", cause,
	)
	if c.history != nil {
		rec := Record{
			ID:             ended.ID,
			Direction:      ended.Direction,
			RemoteIdentity: ended.RemoteIdentity,
			StartedAt:      ended.StartedAt,
			AnsweredAt:     ended.EstablishedAt,
			EndedAt:        c.clock.Now(),
			Cause:          cause,
		}
		go func() {
			if err := c.history.Record(context.Background(), rec); err != nil {
				c.logger.Warn("recording call history", "call_id", rec.ID, "error", err)
			}
		}()
	}
	c.notify(events.KindCallEnded)
	c.notify(events.KindStateUpdate)
}

func (c *Controller) startTicker() {
	c.stopTicker()
	c.armTicker(c.tickerGen)
}

func (c *Controller) armTicker(gen uint64) {
	c.ticker = c.clock.AfterFunc(TickInterval, func() {
		c.post(func() { c.tick(gen) })
	})
}

func (c *Controller) tick(gen uint64) {
	if gen != c.tickerGen || c.ticker == nil || c.session == nil {
		return
	}
	c.notify(events.KindStateUpdate)
	c.armTicker(gen)
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.tickerGen++
}

type nopMedia struct{}

func (nopMedia) Bind(signaling.Track) error { return nil }
func (nopMedia) Clear()                     {}

type nopICE struct{}

func (nopICE) Stop(signaling.Session) {}

type nopCues struct{}

func (nopCues) Ringtone(string) {}
func (nopCues) Ringback(string) {}
func (nopCues) Stop()           {}
