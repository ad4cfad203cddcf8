package registration

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/signaling/signalingtest"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

type harness struct {
	mu      sync.Mutex
	clock   *clock.Mock
	factory *signalingtest.Factory
	m       *Manager
	changes []string
	// stoppedAtTeardown records, per teardown, how often the outgoing
	// transport had been stopped when the hook ran.
	stoppedAtTeardown []int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: clock.NewMock(), factory: &signalingtest.Factory{}}
	h.m = New(Options{
		Factory:  h.factory.Build,
		Sink:     func(ev signaling.Event) { h.m.Handle(ev) },
		Post:     h.do,
		Clock:    h.clock,
		Logger:   slog.Default(),
		OnChange: func(s string) { h.changes = append(h.changes, s) },
		OnTeardown: func() {
			if tr, ok := h.m.Transport().(*signalingtest.Transport); ok {
				h.stoppedAtTeardown = append(h.stoppedAtTeardown, tr.Stopped())
			}
		},
	})
	return h
}

// do runs fn the way the owning event loop would: one at a time.
func (h *harness) do(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

func (h *harness) connect(t *testing.T) *signalingtest.Transport {
	t.Helper()
	cfg := &sipconfig.Config{HeartbeatIntervalMs: 30000}
	user := sipconfig.User{HAUsername: "alice", Extension: "1001", Password: "pw"}
	ep := signaling.Endpoint{URL: "wss://pbx.example.org/ws", Transport: "wss", Host: "pbx.example.org", Port: 443}
	var err error
	h.do(func() { err = h.m.Connect(ep, cfg, user) })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h.factory.Last()
}

func (h *harness) emit(tr *signalingtest.Transport, kind signaling.EventKind, cause string) {
	h.do(func() { tr.Emit(signaling.Event{Kind: kind, Cause: cause}) })
}

func (h *harness) status() string {
	var s string
	h.do(func() { s = h.m.Status() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectStartsTransport(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	if tr.Started() != 1 {
		t.Errorf("Started = %d, want 1", tr.Started())
	}
	if got := h.status(); got != StatusConnecting {
		t.Errorf("status = %q, want %q", got, StatusConnecting)
	}
	if tr.User.Extension != "1001" {
		t.Errorf("transport user = %q, want 1001", tr.User.Extension)
	}

	h.emit(tr, signaling.EventConnected, "")
	h.emit(tr, signaling.EventRegistered, "")
	if got := h.status(); got != StatusRegistered {
		t.Errorf("status = %q, want %q", got, StatusRegistered)
	}

	want := []string{StatusConnecting, StatusConnected, StatusRegistered}
	h.do(func() {
		if len(h.changes) != len(want) {
			t.Fatalf("changes = %v, want %v", h.changes, want)
		}
		for i := range want {
			if h.changes[i] != want[i] {
				t.Errorf("changes[%d] = %q, want %q", i, h.changes[i], want[i])
			}
		}
	})
}

func TestConnectFailures(t *testing.T) {
	h := newHarness(t)
	h.factory.Err = errors.New("boom")

	var err error
	h.do(func() { err = h.m.Connect(signaling.Endpoint{URL: "wss://x"}, &sipconfig.Config{}, sipconfig.User{}) })
	if err == nil {
		t.Fatal("expected error from failing factory")
	}
	if got := h.status(); got != StatusFailed {
		t.Errorf("status = %q, want %q", got, StatusFailed)
	}
}

func TestHeartbeatSendsKeepalives(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	h.emit(tr, signaling.EventRegistered, "")

	h.clock.Add(29 * time.Second)
	if tr.Keepalives() != 0 {
		t.Fatalf("keepalive sent before the interval elapsed")
	}
	h.clock.Add(time.Second)
	waitFor(t, "first keepalive", func() bool { return tr.Keepalives() == 1 })
	h.do(func() {}) // let the tick finish re-arming

	h.clock.Add(30 * time.Second)
	waitFor(t, "second keepalive", func() bool { return tr.Keepalives() == 2 })
}

func TestRepeatedRegistrationDoesNotDuplicateHeartbeat(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	h.emit(tr, signaling.EventRegistered, "")
	h.emit(tr, signaling.EventRegistered, "")
	h.emit(tr, signaling.EventRegistered, "")

	h.clock.Add(30 * time.Second)
	waitFor(t, "keepalive", func() bool { return tr.Keepalives() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := tr.Keepalives(); got != 1 {
		t.Errorf("keepalives = %d, want exactly 1", got)
	}
}

func TestUnregisteredCancelsHeartbeatWithoutReconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	h.emit(tr, signaling.EventRegistered, "")
	h.emit(tr, signaling.EventUnregistered, "")

	h.do(func() {
		if h.m.HeartbeatActive() {
			t.Error("heartbeat still active after unregistration")
		}
	})

	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if tr.Keepalives() != 0 {
		t.Errorf("keepalives = %d, want 0", tr.Keepalives())
	}
	if h.factory.Count() != 1 {
		t.Errorf("transports built = %d, want 1", h.factory.Count())
	}
}

func TestConnectionErrorSchedulesOneReconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	h.emit(tr, signaling.EventRegistered, "")
	h.emit(tr, signaling.EventRegistrationFailed, signaling.CauseConnectionError)

	h.do(func() {
		if h.m.HeartbeatActive() {
			t.Error("heartbeat must be canceled on the failure, not on the retry")
		}
		if got := h.m.ReconnectsScheduled(); got != 1 {
			t.Errorf("ReconnectsScheduled = %d, want 1", got)
		}
	})

	h.clock.Add(ReconnectDelay - time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if h.factory.Count() != 1 {
		t.Fatalf("reconnected before %v elapsed", ReconnectDelay)
	}

	h.clock.Add(time.Millisecond)
	waitFor(t, "reconnect", func() bool { return h.factory.Count() == 2 })
	if tr.Stopped() != 1 {
		t.Errorf("old transport Stopped = %d, want 1", tr.Stopped())
	}
	if h.factory.Last().Started() != 1 {
		t.Error("new transport was not started")
	}

	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if h.factory.Count() != 2 {
		t.Errorf("transports built = %d, want exactly 2", h.factory.Count())
	}
	if tr.Keepalives() != 0 {
		t.Errorf("keepalives on failed transport = %d, want 0", tr.Keepalives())
	}
}

func TestConcurrentFailuresScheduleIndependentReconnects(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	h.emit(tr, signaling.EventRegistrationFailed, signaling.CauseConnectionError)
	h.emit(tr, signaling.EventRegistrationFailed, signaling.CauseConnectionError)

	h.clock.Add(ReconnectDelay)
	waitFor(t, "both reconnects", func() bool { return h.factory.Count() == 3 })
}

func TestNonConnectionFailureDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	h.emit(tr, signaling.EventRegistrationFailed, signaling.CauseAuthenticationError)

	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if h.factory.Count() != 1 {
		t.Errorf("transports built = %d, want 1", h.factory.Count())
	}
	if got := h.status(); got != StatusFailed {
		t.Errorf("status = %q, want %q", got, StatusFailed)
	}
}

func TestStaleTransportEventsAreDropped(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t)
	h.connect(t)

	var handled bool
	h.do(func() { handled = h.m.Handle(signaling.Event{Kind: signaling.EventRegistered, Source: first}) })
	if handled {
		t.Error("event from replaced transport was handled")
	}
	if got := h.status(); got != StatusConnecting {
		t.Errorf("status = %q, want %q", got, StatusConnecting)
	}
	if first.Stopped() != 1 {
		t.Errorf("replaced transport Stopped = %d, want 1", first.Stopped())
	}
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	h.emit(tr, signaling.EventRegistered, "")

	h.do(func() {
		h.m.Disconnect()
		if h.m.Transport() != nil {
			t.Error("transport still set after Disconnect")
		}
		if h.m.HeartbeatActive() {
			t.Error("heartbeat still active after Disconnect")
		}
		h.m.Disconnect()
	})
	if tr.Stopped() != 1 {
		t.Errorf("Stopped = %d, want 1", tr.Stopped())
	}
	if got := h.status(); got != StatusDisconnected {
		t.Errorf("status = %q, want %q", got, StatusDisconnected)
	}
}

func TestTeardownHookRunsBeforeTransportStops(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t)
	h.do(func() {
		if len(h.stoppedAtTeardown) != 0 {
			t.Errorf("hook ran %d times on the first connect, want 0", len(h.stoppedAtTeardown))
		}
	})

	h.emit(first, signaling.EventRegistrationFailed, signaling.CauseConnectionError)
	h.clock.Add(ReconnectDelay)
	waitFor(t, "reconnect", func() bool { return h.factory.Count() == 2 })

	h.do(func() { h.m.Disconnect() })
	h.do(func() {
		if len(h.stoppedAtTeardown) != 2 {
			t.Fatalf("hook ran %d times, want 2 (reconnect and disconnect)", len(h.stoppedAtTeardown))
		}
		for i, n := range h.stoppedAtTeardown {
			if n != 0 {
				t.Errorf("teardown %d: transport already stopped when the hook ran", i)
			}
		}
	})
}
