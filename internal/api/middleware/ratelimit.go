package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// LimitTier is a token bucket applied separately to every client address.
type LimitTier struct {
	Name  string
	Rate  rate.Limit
	Burst int
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL time.Duration
}

// ControlTier covers the call, device and event routes.
var ControlTier = LimitTier{Name: "control", Rate: 10, Burst: 20, IdleTTL: 10 * time.Minute}

// LoginTier covers the token endpoint.
var LoginTier = LimitTier{Name: "login", Rate: 1, Burst: 5, IdleTTL: 10 * time.Minute}

const sweepInterval = 5 * time.Minute

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter rate limits requests per client address.
type ClientLimiter struct {
	tier   LimitTier
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewClientLimiter creates a limiter for tier. A nil clock uses the wall
// clock.
func NewClientLimiter(tier LimitTier, clk clock.Clock, logger *slog.Logger) *ClientLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &ClientLimiter{
		tier:    tier,
		clock:   clk,
		logger:  logger.With("limiter", tier.Name),
		buckets: make(map[string]*bucket),
	}
}

// Take spends one token for client. When none is left it returns false and
// how long until the next token.
func (l *ClientLimiter) Take(client string) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	b := l.buckets[client]
	if b == nil {
		b = &bucket{tokens: rate.NewLimiter(l.tier.Rate, l.tier.Burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	res := b.tokens.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Sweep forgets buckets idle for longer than the tier's IdleTTL.
func (l *ClientLimiter) Sweep() {
	cutoff := l.clock.Now().Add(-l.tier.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	before := len(l.buckets)
	for client, b := range l.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(l.buckets, client)
		}
	}
	if n := before - len(l.buckets); n > 0 {
		l.logger.Debug("idle rate limit buckets dropped", "dropped", n, "remaining", len(l.buckets))
	}
}

// Run sweeps idle buckets until ctx ends.
func (l *ClientLimiter) Run(ctx context.Context) {
	ticker := l.clock.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// RateLimit rejects requests beyond the limiter's tier with 429 and a
// Retry-After in whole seconds. Mount it after chi's RealIP.
func RateLimit(l *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)
			if ok, wait := l.Take(client); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				l.logger.Warn("rate limit exceeded", "client", client, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr is the request's remote host without the port.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
