package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func TestRecovererTurnsPanicIntoErrorEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		value     any
		wantPanic string
	}{
		{"string", "dial plan exploded", "dial plan exploded"},
		{"error", errors.New("nil session"), "nil session"},
		{"number", 486, "486"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logs, nil))
			h := chimw.RequestID(Recoverer(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.value)
			})))

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/answer", nil))

			if rr.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content-type = %q", ct)
			}
			var body struct {
				Data  any    `json:"data"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Error != "internal server error" || body.Data != nil {
				t.Errorf("body = %+v", body)
			}

			var entry map[string]any
			if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
				t.Fatalf("decoding log line %q: %v", logs.String(), err)
			}
			if entry["msg"] != "panic recovered" || entry["path"] != "/api/v1/answer" || entry["method"] != "POST" {
				t.Errorf("log entry = %v", entry)
			}
			if got, _ := json.Marshal(entry["panic"]); string(got) == "null" {
				t.Error("panic value missing from log")
			} else if s, ok := entry["panic"].(string); ok && s != tt.wantPanic {
				t.Errorf("panic = %q, want %q", s, tt.wantPanic)
			}
			if id, _ := entry["request_id"].(string); id == "" {
				t.Error("request_id missing from log")
			}
			if stack, _ := entry["stack"].(string); stack == "" {
				t.Error("stack missing from log")
			}
		})
	}
}

func TestRecovererRepanicsAbortHandler(t *testing.T) {
	h := Recoverer(testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	t.Error("ErrAbortHandler was swallowed")
}

func TestRecovererLeavesHealthyRequestsAlone(t *testing.T) {
	h := Recoverer(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"data":null}`))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/reload", nil))
	if rr.Code != http.StatusAccepted || rr.Body.String() != `{"data":null}` {
		t.Errorf("got %d %q", rr.Code, rr.Body.String())
	}
}
