// Package ice bounds the candidate-gathering phase of a session so that a
// restrictive network cannot stall call setup indefinitely.
package ice

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

// Options configures a Supervisor.
type Options struct {
	Clock clock.Clock
	// Post schedules fn on the owner's event loop.
	Post func(fn func())
	// Timeout returns the current gathering bound. It is read on every
	// candidate so a reloaded config applies to the next window.
	Timeout func() time.Duration
	Logger  *slog.Logger
}

// Supervisor keeps at most one gathering timer outstanding. It must only be
// used from the owner's event loop.
type Supervisor struct {
	clock   clock.Clock
	post    func(func())
	timeout func() time.Duration
	logger  *slog.Logger

	session signaling.Session
	// settled is the last session whose window closed, by timeout or by
	// completed gathering. Late candidates for it open no new window.
	settled signaling.Session
	timer   *clock.Timer
	gen     uint64
	forced  int
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(opts Options) *Supervisor {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	timeout := opts.Timeout
	if timeout == nil {
		timeout = func() time.Duration {
			return sipconfig.DefaultICEGatheringTimeout * time.Millisecond
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		clock:   clk,
		post:    opts.Post,
		timeout: timeout,
		logger:  logger.With("subsystem", "ice"),
	}
}

// Candidate restarts the gathering window for sess. A candidate for a
// different session moves supervision to that session. Candidates for a
// session that was already forced ready or finished gathering are ignored.
func (s *Supervisor) Candidate(sess signaling.Session) {
	if sess == s.settled {
		return
	}
	s.settled = nil
	s.cancel()
	s.session = sess

	gen := s.gen
	d := s.timeout()
	s.timer = s.clock.AfterFunc(d, func() {
		s.post(func() { s.fire(gen) })
	})
}

// GatheringComplete cancels the window when gathering finished on its own.
func (s *Supervisor) GatheringComplete(sess signaling.Session) {
	if s.session != sess {
		return
	}
	s.cancel()
	s.session = nil
	s.settled = sess
}

// Stop cancels supervision of sess. A nil sess stops whatever is supervised.
func (s *Supervisor) Stop(sess signaling.Session) {
	if sess == nil || s.settled == sess {
		s.settled = nil
	}
	if sess != nil && s.session != sess {
		return
	}
	s.cancel()
	s.session = nil
}

// Pending reports whether a gathering timer is outstanding.
func (s *Supervisor) Pending() bool {
	return s.timer != nil
}

// Forced returns how many times a session was forced ready.
func (s *Supervisor) Forced() int {
	return s.forced
}

func (s *Supervisor) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Supervisor) fire(gen uint64) {
	if gen != s.gen || s.session == nil {
		return
	}
	sess := s.session
	s.timer = nil
	s.session = nil
	s.settled = sess
	s.gen++
	s.forced++

	s.logger.Warn("ice gathering timed out, proceeding with gathered candidates",
		"session", sess.ID(),
		"timeout", s.timeout().String(),
	)
	sess.ForceICEReady()
}
