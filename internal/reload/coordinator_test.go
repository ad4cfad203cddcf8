package reload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

const baseConfig = `{"pbx_server":"pbx.local","custom_wss_url":"wss://pbx.local/ws",
	"users":[{"ha_username":"alice","display_name":"Alice","extension":"100","password":"pw"}]}`

const changedConfig = `{"pbx_server":"pbx.local","custom_wss_url":"wss://pbx.local/ws",
	"users":[{"ha_username":"alice","display_name":"Alice","extension":"101","password":"pw"}]}`

func mustDecode(t *testing.T, raw string) *sipconfig.Config {
	t.Helper()
	cfg, err := sipconfig.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return cfg
}

type fakeSource struct {
	mu      sync.Mutex
	payload string
	err     error
	epErr   error
	fetches int
	gate    chan struct{}
}

func (s *fakeSource) FetchConfig(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	gate := s.gate
	s.fetches++
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(s.payload), s.err
}

func (s *fakeSource) ResolveEndpoint(_ context.Context, cfg *sipconfig.Config) (signaling.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epErr != nil {
		return signaling.Endpoint{}, s.epErr
	}
	return signaling.ParseEndpoint(cfg.CustomWSSURL)
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// fakeTarget records the order of reload actions. It is only touched from
// the harness loop.
type fakeTarget struct {
	current     *sipconfig.Config
	call        bool
	identityErr error
	connectErr  error
	actions     []string
}

func (f *fakeTarget) Current() *sipconfig.Config { return f.current }
func (f *fakeTarget) HasCall() bool              { return f.call }
func (f *fakeTarget) TerminateCall() {
	f.actions = append(f.actions, "terminate")
	f.call = false
}
func (f *fakeTarget) Disconnect() { f.actions = append(f.actions, "disconnect") }
func (f *fakeTarget) Swap(cfg *sipconfig.Config) {
	if f.call {
		f.actions = append(f.actions, "swap-with-call")
	}
	f.actions = append(f.actions, "swap")
	f.current = cfg
}
func (f *fakeTarget) ResolveIdentity(cfg *sipconfig.Config) (sipconfig.User, error) {
	f.actions = append(f.actions, "identity")
	if f.identityErr != nil {
		return sipconfig.User{}, f.identityErr
	}
	return cfg.Users[0], nil
}
func (f *fakeTarget) Connect(signaling.Endpoint, *sipconfig.Config, sipconfig.User) error {
	f.actions = append(f.actions, "connect")
	return f.connectErr
}
func (f *fakeTarget) Reconnect() error {
	f.actions = append(f.actions, "reconnect")
	return nil
}
func (f *fakeTarget) StateUpdate() { f.actions = append(f.actions, "state-update") }

type harness struct {
	t       *testing.T
	src     *fakeSource
	target  *fakeTarget
	coord   *Coordinator
	loop    chan func()
	results chan string
}

func newHarness(t *testing.T, current string) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		src:     &fakeSource{payload: current},
		target:  &fakeTarget{current: mustDecode(t, current)},
		loop:    make(chan func(), 64),
		results: make(chan string, 8),
	}
	h.coord = New(Options{
		Source:   h.src,
		Target:   h.target,
		Post:     func(fn func()) { h.loop <- fn },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Limiter:  rate.NewLimiter(rate.Inf, 1),
		OnResult: func(r string) { h.results <- r },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case fn := <-h.loop:
				fn()
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		h.coord.Close()
		cancel()
		<-done
	})
	return h
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func()) {
	done := make(chan struct{})
	h.loop <- func() { fn(); close(done) }
	<-done
}

func (h *harness) hint() { h.do(func() { h.coord.Hint("test") }) }

func (h *harness) result() string {
	h.t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(3 * time.Second):
		h.t.Fatal("no reload result")
		return ""
	}
}

func (h *harness) actions() []string {
	var out []string
	h.do(func() { out = slices.Clone(h.target.actions) })
	return out
}

func TestReload_EqualPayloadIsNoop(t *testing.T) {
	h := newHarness(t, baseConfig)
	h.target.call = true

	h.hint()
	if r := h.result(); r != ResultUnchanged {
		t.Fatalf("result = %q, want %q", r, ResultUnchanged)
	}
	if got := h.actions(); len(got) != 0 {
		t.Errorf("actions = %v, want none", got)
	}
}

func TestReload_TerminatesCallBeforeSwap(t *testing.T) {
	h := newHarness(t, baseConfig)
	h.target.call = true
	h.src.payload = changedConfig

	h.hint()
	if r := h.result(); r != ResultApplied {
		t.Fatalf("result = %q, want %q", r, ResultApplied)
	}
	want := []string{"terminate", "disconnect", "swap", "identity", "connect", "state-update"}
	if got := h.actions(); !slices.Equal(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
	var ext string
	h.do(func() { ext = h.target.current.Users[0].Extension })
	if ext != "101" {
		t.Errorf("active extension = %q, want 101", ext)
	}
}

func TestReload_WithoutCallSkipsTerminate(t *testing.T) {
	h := newHarness(t, baseConfig)
	h.src.payload = changedConfig

	h.hint()
	h.result()
	want := []string{"disconnect", "swap", "identity", "connect", "state-update"}
	if got := h.actions(); !slices.Equal(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
}

func TestReload_AbortsBeforeTeardown(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		err     error
		want    string
	}{
		{name: "fetch error", err: errors.New("host down"), want: ResultFetchError},
		{name: "invalid user", payload: `{"users":[{"ha_username":"alice","extension":"bad ext!","password":"pw"}]}`, want: ResultInvalid},
		{name: "unknown users shape", payload: `{"users":"alice"}`, want: ResultInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, baseConfig)
			h.target.call = true
			h.src.payload, h.src.err = tt.payload, tt.err

			h.hint()
			if r := h.result(); r != tt.want {
				t.Fatalf("result = %q, want %q", r, tt.want)
			}
			if got := h.actions(); len(got) != 0 {
				t.Errorf("actions = %v, want none", got)
			}
		})
	}
}

func TestApply_FailuresKeepNewConfig(t *testing.T) {
	tests := []struct {
		name        string
		identityErr error
		epErr       error
		connectErr  error
		step        string
		want        []string
	}{
		{
			name:        "identity",
			identityErr: errors.New("no identity"),
			step:        "identity",
			want:        []string{"disconnect", "swap", "identity", "reconnect", "state-update"},
		},
		{
			name:  "endpoint",
			epErr: errors.New("ingress lookup failed"),
			step:  "endpoint",
			want:  []string{"disconnect", "swap", "identity", "reconnect", "state-update"},
		},
		{
			name:       "connect",
			connectErr: errors.New("dial failed"),
			step:       "connect",
			want:       []string{"disconnect", "swap", "identity", "connect", "reconnect", "state-update"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &fakeTarget{
				current:     mustDecode(t, baseConfig),
				identityErr: tt.identityErr,
				connectErr:  tt.connectErr,
			}
			c := New(Options{Target: target, Post: func(fn func()) { fn() }})
			defer c.Close()

			fetched := mustDecode(t, changedConfig)
			ep, _ := signaling.ParseEndpoint(fetched.CustomWSSURL)
			result, err := c.Apply(fetched, ep, tt.epErr)
			if result != ResultFailed {
				t.Fatalf("result = %q, want %q", result, ResultFailed)
			}
			var rerr *Error
			if !errors.As(err, &rerr) || rerr.Step != tt.step {
				t.Fatalf("err = %v, want *Error at step %q", err, tt.step)
			}
			if !slices.Equal(target.actions, tt.want) {
				t.Errorf("actions = %v, want %v", target.actions, tt.want)
			}
			if target.current != fetched {
				t.Error("failed reload must not roll back the snapshot")
			}
		})
	}
}

func TestReload_HintsCoalesce(t *testing.T) {
	h := newHarness(t, baseConfig)
	gate := make(chan struct{})
	h.src.gate = gate

	h.hint()
	h.hint()
	h.hint()
	h.hint()

	var runs int
	h.do(func() { runs = h.coord.Runs() })
	if runs != 1 {
		t.Fatalf("runs = %d while first reload in flight, want 1", runs)
	}

	close(gate)
	h.result()
	h.result()

	h.do(func() { runs = h.coord.Runs() })
	if runs != 2 {
		t.Errorf("runs = %d, want 2 (one follow-up for all coalesced hints)", runs)
	}
	if n := h.src.fetchCount(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
	var inFlight bool
	h.do(func() { inFlight = h.coord.InFlight() })
	if inFlight {
		t.Error("coordinator should be idle")
	}
}

func TestReload_ClosedIgnoresHints(t *testing.T) {
	h := newHarness(t, baseConfig)
	h.coord.Close()
	h.hint()

	if n := h.src.fetchCount(); n != 0 {
		t.Errorf("fetches = %d after Close, want 0", n)
	}
}
