package middleware

import (
	"net/http"
	"strings"
)

// corsPolicy holds the fixed headers sent to an accepted origin. The
// dashboard authenticates with bearer tokens, so credentials are never
// allowed.
var corsPolicy = map[string]string{
	"Access-Control-Allow-Methods":  "GET, POST, PUT, OPTIONS",
	"Access-Control-Allow-Headers":  "Accept, Authorization, Content-Type, Last-Event-ID",
	"Access-Control-Expose-Headers": "Retry-After",
	"Access-Control-Max-Age":        "300",
}

// CORS allows browser access from the listed origins; "*" allows any. With
// no origins no CORS headers are sent. OPTIONS requests end here with 204.
func CORS(allowed []string) func(http.Handler) http.Handler {
	wildcard := false
	listed := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			wildcard = true
		default:
			listed[o] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				h := w.Header()
				_, ok := listed[origin]
				switch {
				case wildcard:
					h.Set("Access-Control-Allow-Origin", "*")
				case ok:
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Vary", "Origin")
				}
				if wildcard || ok {
					for k, v := range corsPolicy {
						h.Set(k, v)
					}
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseCORSOrigins splits the comma separated SIPCORE_CORS_ORIGINS value.
func ParseCORSOrigins(raw string) []string {
	var out []string
	for o := range strings.SplitSeq(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
