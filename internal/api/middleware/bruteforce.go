package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// maxFailedAttempts is the number of failed logins before an IP
	// address is blocked.
	maxFailedAttempts = 5

	// blockDuration is the first block for an IP. Repeat offences double
	// it up to maxBlockDuration.
	blockDuration = 5 * time.Minute

	maxBlockDuration = 24 * time.Hour

	// failureWindow is the sliding window in which failures are counted.
	failureWindow = 10 * time.Minute

	guardCleanupInterval = 5 * time.Minute
)

// ipRecord tracks per-IP login failure state.
type ipRecord struct {
	failures  []time.Time   // recent failures within the window
	blocked   bool          // whether the IP is currently blocked
	blockedAt time.Time     // when the block was applied
	blockFor  time.Duration // how long this block lasts (progressive)
}

// BruteForceGuard tracks failed logins per source IP and blocks IPs that
// exceed the failure threshold:
//
//   - After maxFailedAttempts failures within failureWindow, the IP is blocked
//     for blockDuration.
//   - Repeated offences double the block duration up to maxBlockDuration.
//   - Blocks expire automatically and the failure counter resets.
type BruteForceGuard struct {
	mu      sync.Mutex
	records map[string]*ipRecord
	clock   clock.Clock
	logger  *slog.Logger
}

// NewBruteForceGuard creates a guard with empty state. A nil clock uses
// the wall clock.
func NewBruteForceGuard(clk clock.Clock, logger *slog.Logger) *BruteForceGuard {
	if clk == nil {
		clk = clock.New()
	}
	return &BruteForceGuard{
		records: make(map[string]*ipRecord),
		clock:   clk,
		logger:  logger.With("subsystem", "login-guard"),
	}
}

// IsBlocked reports whether source is currently blocked. The source may be
// "ip:port" or just "ip".
func (g *BruteForceGuard) IsBlocked(source string) bool {
	return g.retryAfter(source) > 0
}

// retryAfter returns how long source stays blocked, zero when it is not.
func (g *BruteForceGuard) retryAfter(source string) time.Duration {
	ip := sourceIP(source)
	if ip == "" {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return 0
	}

	left := rec.blockFor - g.clock.Since(rec.blockedAt)
	if left <= 0 {
		rec.blocked = false
		rec.failures = nil
		return 0
	}
	return left
}

// RecordFailure records a failed login from source and blocks the IP once
// the threshold is reached.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := sourceIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &ipRecord{blockFor: blockDuration}
		g.records[ip] = rec
	}
	if rec.blocked {
		return
	}

	now := g.clock.Now()
	rec.failures = pruneOldFailures(rec.failures, now, failureWindow)
	rec.failures = append(rec.failures, now)

	if len(rec.failures) >= maxFailedAttempts {
		rec.blocked = true
		rec.blockedAt = now
		rec.failures = nil

		g.logger.Warn("ip blocked due to excessive failed logins",
			"ip", ip,
			"block_duration", rec.blockFor.String(),
		)

		rec.blockFor = min(rec.blockFor*2, maxBlockDuration)
	}
}

// RecordSuccess clears the failure counter for source. The progressive
// block duration is kept.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := sourceIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup removes expired blocks and stale records.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) > rec.blockFor {
			rec.blocked = false
			rec.failures = nil
		}
		rec.failures = pruneOldFailures(rec.failures, now, failureWindow)
		if !rec.blocked && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// Run calls Cleanup periodically until ctx ends.
func (g *BruteForceGuard) Run(ctx context.Context) {
	ticker := g.clock.Ticker(guardCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// GuardLogin returns middleware that rejects requests from blocked IPs
// with 429 Too Many Requests. The handler reports outcomes through
// RecordFailure and RecordSuccess.
func GuardLogin(g *BruteForceGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if left := g.retryAfter(r.RemoteAddr); left > 0 {
				secs := int(left.Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeAuthError(w, http.StatusTooManyRequests, "too many failed login attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sourceIP parses the IP from a "host:port" string or returns the raw
// string if it is already an IP.
func sourceIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}

// pruneOldFailures returns only failures within the given window.
func pruneOldFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var pruned []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}
