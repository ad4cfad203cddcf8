package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestGenerateAndParseToken(t *testing.T) {
	now := time.Now()
	token, expiresAt, err := GenerateToken(testSecret, "alice", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !expiresAt.Equal(now.Add(TokenTTL)) {
		t.Errorf("expiresAt = %v, want %v", expiresAt, now.Add(TokenTTL))
	}

	principal, err := ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("ParseToken() error: %v", err)
	}
	if principal != "alice" {
		t.Errorf("principal = %q, want alice", principal)
	}

	if _, err := ParseToken([]byte("another-secret-another-secret-00"), token); err == nil {
		t.Error("expected error for token signed with another secret")
	}
}

func TestParseTokenRejects(t *testing.T) {
	expired, _, err := GenerateToken(testSecret, "alice", time.Now().Add(-2*TokenTTL))
	if err != nil {
		t.Fatal(err)
	}

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	foreignToken, err := foreign.SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	noSubjectToken, err := noSubject.SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"foreign issuer", foreignToken},
		{"no subject", noSubjectToken},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(testSecret, tt.token); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestRequireAuth(t *testing.T) {
	token, _, err := GenerateToken(testSecret, "alice", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	var gotPrincipal string
	handler := RequireAuth(testSecret, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		method     string
		target     string
		header     string
		wantStatus int
	}{
		{"bearer header", http.MethodPost, "/api/v1/call", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", http.MethodPost, "/api/v1/call", "bearer " + token, http.StatusOK},
		{"query token on GET", http.MethodGet, "/api/v1/events?access_token=" + token, "", http.StatusOK},
		{"query token on POST", http.MethodPost, "/api/v1/call?access_token=" + token, "", http.StatusUnauthorized},
		{"missing", http.MethodGet, "/api/v1/status", "", http.StatusUnauthorized},
		{"basic scheme", http.MethodGet, "/api/v1/status", "Basic abc", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/v1/status", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotPrincipal = ""
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && gotPrincipal != "alice" {
				t.Errorf("principal = %q, want alice", gotPrincipal)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var resp map[string]any
				if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
					t.Fatalf("failed to parse response: %v", err)
				}
				if resp["error"] == "" || resp["error"] == nil {
					t.Error("expected error message in response")
				}
			}
		})
	}
}

func TestPrincipalFromContextEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := PrincipalFromContext(req.Context()); got != "" {
		t.Errorf("PrincipalFromContext() = %q, want empty", got)
	}
}
