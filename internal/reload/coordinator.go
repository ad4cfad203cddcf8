// Package reload applies configuration changes to a running phone. A reload
// fetches a fresh snapshot off the event loop, then on the loop compares it
// with the active one and, when it differs, ends any call, swaps the
// snapshot and reconnects with the re-resolved identity.
//
// A Coordinator is not safe for concurrent use; Hint and every continuation
// it posts run on the owner's event loop.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

// Reload outcomes, reported through Options.OnResult.
const (
	ResultApplied    = "applied"
	ResultUnchanged  = "unchanged"
	ResultFetchError = "fetch_error"
	ResultInvalid    = "invalid"
	ResultFailed     = "failed"
)

// Source delivers configuration snapshots and resolves their endpoint.
type Source interface {
	FetchConfig(ctx context.Context) ([]byte, error)
	ResolveEndpoint(ctx context.Context, cfg *sipconfig.Config) (signaling.Endpoint, error)
}

// Target is the running phone as seen by a reload. Every method is called
// on the event loop.
type Target interface {
	Current() *sipconfig.Config
	HasCall() bool
	// TerminateCall ends the active call and clears it before returning.
	TerminateCall()
	Disconnect()
	Swap(cfg *sipconfig.Config)
	ResolveIdentity(cfg *sipconfig.Config) (sipconfig.User, error)
	Connect(ep signaling.Endpoint, cfg *sipconfig.Config, user sipconfig.User) error
	// Reconnect retries the last endpoint after a failed reload.
	Reconnect() error
	StateUpdate()
}

// Error reports the step at which an applied reload failed. The new
// snapshot stays in place; there is no rollback.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reload failed at %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var errUnresolved = errors.New("endpoint not resolved for this snapshot")

// Options configures a Coordinator.
type Options struct {
	Source Source
	Target Target
	Post   func(fn func())
	Logger *slog.Logger
	// Limiter spaces consecutive fetches. Nil allows one reload per second.
	Limiter  *rate.Limiter
	OnResult func(result string)
}

// Coordinator serializes reloads: at most one runs at a time, and hints
// received meanwhile collapse into a single follow-up run.
type Coordinator struct {
	source   Source
	target   Target
	post     func(func())
	logger   *slog.Logger
	limiter  *rate.Limiter
	onResult func(string)

	ctx    context.Context
	cancel context.CancelFunc

	inFlight bool
	pending  bool
	runs     int
}

// New creates an idle coordinator.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	onResult := opts.OnResult
	if onResult == nil {
		onResult = func(string) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		source:   opts.Source,
		target:   opts.Target,
		post:     opts.Post,
		logger:   logger.With("subsystem", "reload"),
		limiter:  limiter,
		onResult: onResult,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close abandons any fetch in progress. Its continuation is never applied.
func (c *Coordinator) Close() {
	c.cancel()
}

// InFlight reports whether a reload is running.
func (c *Coordinator) InFlight() bool { return c.inFlight }

// Runs returns how many reloads have been started.
func (c *Coordinator) Runs() int { return c.runs }

// Hint asks for a reload. reason is only logged.
func (c *Coordinator) Hint(reason string) {
	if c.ctx.Err() != nil {
		return
	}
	if c.inFlight {
		c.logger.Debug("reload already running, coalescing", "reason", reason)
		c.pending = true
		return
	}
	c.inFlight = true
	c.runs++
	c.logger.Info("reload requested", "reason", reason)

	current := c.target.Current()
	go c.fetch(current)
}

// fetch runs off the loop. current is only compared, never modified.
func (c *Coordinator) fetch(current *sipconfig.Config) {
	ctx := c.ctx
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	data, err := c.source.FetchConfig(ctx)
	if err != nil {
		c.finishLater(ResultFetchError, err)
		return
	}
	fetched, err := sipconfig.Decode(data)
	if err != nil {
		c.finishLater(ResultInvalid, err)
		return
	}

	// Unchanged snapshots skip the endpoint lookup. Should the active
	// snapshot move before the continuation runs, Apply sees errUnresolved.
	ep, epErr := signaling.Endpoint{}, errUnresolved
	if !fetched.Equal(current) {
		ep, epErr = c.source.ResolveEndpoint(ctx, fetched)
	}

	c.post(func() {
		if c.ctx.Err() != nil {
			return
		}
		result, err := c.Apply(fetched, ep, epErr)
		c.finish(result, err)
	})
}

func (c *Coordinator) finishLater(result string, err error) {
	c.post(func() {
		if c.ctx.Err() != nil {
			return
		}
		c.finish(result, err)
	})
}

func (c *Coordinator) finish(result string, err error) {
	switch result {
	case ResultFetchError:
		c.logger.Error("fetching config for reload", "error", err)
	case ResultInvalid:
		c.logger.Error("reloaded config rejected, keeping current", "error", err)
	case ResultFailed:
		var rerr *Error
		if errors.As(err, &rerr) {
			c.logger.Error("reload failed", "step", rerr.Step, "error", rerr.Err)
		}
	}
	c.onResult(result)

	c.inFlight = false
	if c.pending {
		c.pending = false
		c.Hint("coalesced")
	}
}

// Apply brings the target in line with fetched. It must run on the loop.
// The comparison is made against the snapshot active now, not when the
// fetch started, so a reload overtaken by another change is re-judged.
func (c *Coordinator) Apply(fetched *sipconfig.Config, ep signaling.Endpoint, epErr error) (string, error) {
	if fetched.Equal(c.target.Current()) {
		c.logger.Debug("config unchanged")
		return ResultUnchanged, nil
	}

	if c.target.HasCall() {
		c.logger.Info("ending active call before applying config")
		c.target.TerminateCall()
	}
	c.target.Disconnect()
	c.target.Swap(fetched)

	fail := func(step string, err error) (string, error) {
		rerr := &Error{Step: step, Err: err}
		if err := c.target.Reconnect(); err != nil {
			c.logger.Warn("reconnecting after failed reload", "error", err)
		}
		c.target.StateUpdate()
		return ResultFailed, rerr
	}

	user, err := c.target.ResolveIdentity(fetched)
	if err != nil {
		return fail("identity", err)
	}
	if epErr != nil {
		return fail("endpoint", epErr)
	}
	if err := c.target.Connect(ep, fetched, user); err != nil {
		return fail("connect", err)
	}

	c.target.StateUpdate()
	c.logger.Info("config applied", "endpoint", ep.String(), "extension", user.Extension)
	return ResultApplied, nil
}
