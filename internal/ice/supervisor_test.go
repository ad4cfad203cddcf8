package ice

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/signaling/signalingtest"
)

type harness struct {
	mu    sync.Mutex
	clock *clock.Mock
	s     *Supervisor
}

func newHarness() *harness {
	h := &harness{clock: clock.NewMock()}
	h.s = NewSupervisor(Options{
		Clock:   h.clock,
		Post:    h.do,
		Timeout: func() time.Duration { return 5 * time.Second },
		Logger:  slog.Default(),
	})
	return h
}

func (h *harness) do(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

// settle lets timer callbacks spawned by the mock clock reach the loop.
func (h *harness) settle() {
	time.Sleep(10 * time.Millisecond)
	h.do(func() {})
}

func TestTimeoutForcesReadyOnce(t *testing.T) {
	h := newHarness()
	sess := signalingtest.NewSession("a", signaling.Outbound, "1002")

	h.do(func() { h.s.Candidate(sess) })
	h.clock.Add(4999 * time.Millisecond)
	h.settle()
	if sess.ForcedReady() != 0 {
		t.Fatal("forced ready before the timeout")
	}

	h.clock.Add(time.Millisecond)
	h.settle()
	if got := sess.ForcedReady(); got != 1 {
		t.Fatalf("ForcedReady = %d, want 1", got)
	}

	h.clock.Add(time.Minute)
	h.settle()
	if got := sess.ForcedReady(); got != 1 {
		t.Errorf("ForcedReady = %d after more time, want 1", got)
	}
	h.do(func() {
		if h.s.Pending() {
			t.Error("timer still pending after firing")
		}
	})
}

func TestNewCandidateSupersedesPendingTimer(t *testing.T) {
	h := newHarness()
	sess := signalingtest.NewSession("a", signaling.Outbound, "1002")

	for i := 0; i < 5; i++ {
		h.do(func() { h.s.Candidate(sess) })
		h.clock.Add(3 * time.Second)
		h.settle()
	}
	if got := sess.ForcedReady(); got != 0 {
		t.Fatalf("ForcedReady = %d while candidates keep arriving, want 0", got)
	}

	h.clock.Add(2 * time.Second)
	h.settle()
	if got := sess.ForcedReady(); got != 1 {
		t.Errorf("ForcedReady = %d, want 1", got)
	}
}

func TestGatheringCompleteCancels(t *testing.T) {
	h := newHarness()
	sess := signalingtest.NewSession("a", signaling.Inbound, "1002")

	h.do(func() {
		h.s.Candidate(sess)
		h.s.GatheringComplete(sess)
	})
	h.clock.Add(time.Minute)
	h.settle()
	if got := sess.ForcedReady(); got != 0 {
		t.Errorf("ForcedReady = %d after native completion, want 0", got)
	}
}

func TestStopCancels(t *testing.T) {
	h := newHarness()
	sess := signalingtest.NewSession("a", signaling.Inbound, "1002")
	other := signalingtest.NewSession("b", signaling.Inbound, "1003")

	h.do(func() {
		h.s.Candidate(sess)
		h.s.Stop(other)
		if !h.s.Pending() {
			t.Error("stopping a different session canceled the timer")
		}
		h.s.Stop(sess)
		h.s.Stop(sess)
	})
	h.clock.Add(time.Minute)
	h.settle()
	if got := sess.ForcedReady(); got != 0 {
		t.Errorf("ForcedReady = %d after Stop, want 0", got)
	}
}

func TestCandidateForNewSessionMovesSupervision(t *testing.T) {
	h := newHarness()
	first := signalingtest.NewSession("a", signaling.Outbound, "1002")
	second := signalingtest.NewSession("b", signaling.Outbound, "1003")

	h.do(func() {
		h.s.Candidate(first)
		h.s.Candidate(second)
	})
	h.clock.Add(5 * time.Second)
	h.settle()

	if first.ForcedReady() != 0 {
		t.Error("superseded session was forced ready")
	}
	if second.ForcedReady() != 1 {
		t.Errorf("ForcedReady = %d, want 1", second.ForcedReady())
	}
	h.do(func() {
		if h.s.Forced() != 1 {
			t.Errorf("Forced = %d, want 1", h.s.Forced())
		}
	})
}

func TestLateCandidateAfterTimeoutIgnored(t *testing.T) {
	h := newHarness()
	sess := signalingtest.NewSession("a", signaling.Outbound, "1002")

	h.do(func() { h.s.Candidate(sess) })
	h.clock.Add(5 * time.Second)
	h.settle()

	// Gathering continues after the forced ready; trickled candidates for
	// the same session must not open another window.
	h.do(func() { h.s.Candidate(sess) })
	h.clock.Add(5 * time.Second)
	h.settle()

	if got := sess.ForcedReady(); got != 1 {
		t.Fatalf("ForcedReady = %d, want 1", got)
	}
	h.do(func() {
		if h.s.Pending() {
			t.Error("late candidate left a timer pending")
		}
	})
}

func TestLateCandidateAfterGatheringCompleteIgnored(t *testing.T) {
	h := newHarness()
	sess := signalingtest.NewSession("a", signaling.Inbound, "1002")

	h.do(func() {
		h.s.Candidate(sess)
		h.s.GatheringComplete(sess)
		h.s.Candidate(sess)
	})
	h.clock.Add(time.Minute)
	h.settle()
	if got := sess.ForcedReady(); got != 0 {
		t.Errorf("ForcedReady = %d, want 0", got)
	}
}

func TestStopClearsSettledSession(t *testing.T) {
	h := newHarness()
	first := signalingtest.NewSession("a", signaling.Outbound, "1002")
	second := signalingtest.NewSession("b", signaling.Outbound, "1003")

	h.do(func() { h.s.Candidate(first) })
	h.clock.Add(5 * time.Second)
	h.settle()

	h.do(func() {
		h.s.Stop(first)
		h.s.Candidate(second)
	})
	h.clock.Add(5 * time.Second)
	h.settle()

	if first.ForcedReady() != 1 || second.ForcedReady() != 1 {
		t.Errorf("ForcedReady first=%d second=%d, want 1 and 1", first.ForcedReady(), second.ForcedReady())
	}
}
