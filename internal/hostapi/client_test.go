package hostapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipcore/sipcore/internal/sipconfig"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchConfig_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/api/sip-core/config" {
			t.Errorf("expected path /api/sip-core/config, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("t") != "1700000000000" {
			t.Errorf("expected cache-busting t=1700000000000, got %q", r.URL.Query().Get("t"))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("expected Cache-Control no-cache, got %q", r.Header.Get("Cache-Control"))
		}
		w.Write([]byte(`{"pbx_server":"pbx.local"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok")
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }

	body, err := c.FetchConfig(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"pbx_server":"pbx.local"}` {
		t.Errorf("body = %s", body)
	}
}

func TestFetchConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantSub string
	}{
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"message":"Invalid access token"}`))
			},
			wantSub: "Invalid access token",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantSub: "status 500",
		},
		{
			name: "oversized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(strings.Repeat("x", maxConfigSize+10)))
			},
			wantSub: "exceeds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(srv.URL, "tok").FetchConfig(context.Background())
			if !errors.Is(err, ErrConfigFetch) {
				t.Fatalf("err = %v, want ErrConfigFetch", err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestFetchConfig_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewClient(url, "tok").FetchConfig(context.Background()); !errors.Is(err, ErrConfigFetch) {
		t.Fatalf("err = %v, want ErrConfigFetch", err)
	}
}

func ingressServer(t *testing.T, ingress string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/hassio/addons/3e533915_asterisk/info" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"result":"ok","data":{"ingress_url":"` + ingress + `"}}`))
	}))
}

func TestResolveEndpoint(t *testing.T) {
	srv := ingressServer(t, "/api/hassio_ingress/abc123/")
	defer srv.Close()
	c := NewClient(srv.URL, "tok")

	t.Run("ingress", func(t *testing.T) {
		ep, err := c.ResolveEndpoint(context.Background(), &sipconfig.Config{AddonSlug: sipconfig.DefaultAddonSlug})
		if err != nil {
			t.Fatalf("ResolveEndpoint: %v", err)
		}
		want := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/api/hassio_ingress/abc123/ws"
		if ep.URL != want {
			t.Errorf("URL = %q, want %q", ep.URL, want)
		}
		if ep.Path != "/api/hassio_ingress/abc123/ws" {
			t.Errorf("Path = %q", ep.Path)
		}
	})

	t.Run("custom url wins", func(t *testing.T) {
		ep, err := c.ResolveEndpoint(context.Background(), &sipconfig.Config{
			AddonSlug:    sipconfig.DefaultAddonSlug,
			CustomWSSURL: "wss://pbx.example.com:8089/ws",
		})
		if err != nil {
			t.Fatalf("ResolveEndpoint: %v", err)
		}
		if ep.Host != "pbx.example.com" || ep.Port != 8089 || !ep.Secure() {
			t.Errorf("endpoint = %+v", ep)
		}
	})

	t.Run("unknown addon", func(t *testing.T) {
		_, err := c.ResolveEndpoint(context.Background(), &sipconfig.Config{AddonSlug: "missing"})
		if !errors.Is(err, ErrConfigFetch) {
			t.Errorf("err = %v, want ErrConfigFetch", err)
		}
	})
}

func TestResolveEndpointIngressFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no ingress url", `{"result":"ok","data":{}}`},
		{"not json", `<html>bad gateway</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "tok").ResolveEndpoint(context.Background(),
				&sipconfig.Config{AddonSlug: sipconfig.DefaultAddonSlug})
			if !errors.Is(err, ErrConfigFetch) {
				t.Errorf("err = %v, want ErrConfigFetch", err)
			}
		})
	}

	t.Run("invalid host url", func(t *testing.T) {
		_, err := NewClient("not a url", "tok").ResolveEndpoint(context.Background(),
			&sipconfig.Config{AddonSlug: sipconfig.DefaultAddonSlug})
		if !errors.Is(err, ErrConfigFetch) {
			t.Errorf("err = %v, want ErrConfigFetch", err)
		}
	})
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sip.json")
	if err := os.WriteFile(path, []byte(`{"custom_wss_url":"ws://127.0.0.1:8088/ws"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(path, testLogger())

	body, err := src.FetchConfig(context.Background())
	if err != nil {
		t.Fatalf("FetchConfig: %v", err)
	}
	cfg, err := sipconfig.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ep, err := src.ResolveEndpoint(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ResolveEndpoint: %v", err)
	}
	if ep.Port != 8088 {
		t.Errorf("Port = %d, want 8088", ep.Port)
	}

	if _, err := src.ResolveEndpoint(context.Background(), &sipconfig.Config{}); err == nil {
		t.Error("expected error without custom_wss_url")
	}

	missing := NewFileSource(filepath.Join(t.TempDir(), "nope.json"), testLogger())
	if _, err := missing.FetchConfig(context.Background()); !errors.Is(err, ErrConfigFetch) {
		t.Errorf("err = %v, want ErrConfigFetch", err)
	}
}

func TestFileSource_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sip.json")
	os.WriteFile(path, []byte(`{}`), 0o600)
	src := NewFileSource(path, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hints := make(chan string, 8)
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx, func(r string) { hints <- r }) }()

	deadline := time.After(3 * time.Second)
	for {
		// Rewrite until the watcher has been installed and reports a change.
		os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600)
		os.WriteFile(path, []byte(`{"auto_answer":true}`), 0o600)
		select {
		case <-hints:
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch returned %v", err)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no hint after writing the config file")
		}
	}
}

func TestEventStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]any{"type": "auth_required"})
		var auth wsMessage
		if err := conn.ReadJSON(&auth); err != nil || auth.AccessToken != "tok" {
			conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "bad token"})
			return
		}
		conn.WriteJSON(map[string]any{"type": "auth_ok"})

		var sub wsMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.EventType
		conn.WriteJSON(map[string]any{"id": sub.ID, "type": "result", "success": true})
		conn.WriteJSON(map[string]any{"id": sub.ID, "type": "event", "event": map[string]any{"event_type": sub.EventType}})

		// Hold the connection until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	stream, err := NewEventStream(srv.URL, "tok", "", testLogger())
	if err != nil {
		t.Fatalf("NewEventStream: %v", err)
	}
	if !strings.HasPrefix(stream.URL, "ws://") || !strings.HasSuffix(stream.URL, "/api/websocket") {
		t.Errorf("URL = %q", stream.URL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hints := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx, func(r string) { hints <- r }) }()

	select {
	case et := <-subscribed:
		if et != DefaultEventType {
			t.Errorf("subscribed to %q, want %q", et, DefaultEventType)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never subscribed")
	}
	select {
	case <-hints:
	case <-time.After(3 * time.Second):
		t.Fatal("no hint for the published event")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEventStream_BadToken(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]any{"type": "auth_required"})
		var auth wsMessage
		conn.ReadJSON(&auth)
		conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "bad token"})
	}))
	defer srv.Close()

	stream, _ := NewEventStream(srv.URL, "wrong", "", testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := stream.Run(ctx, func(string) {})
	if !errors.Is(err, errAuth) {
		t.Fatalf("err = %v, want errAuth", err)
	}
}
