package httpserver

import (
	"net/http"
	"strings"

	"github.com/mapmeet/presence-relay/internal/origin"
)

// originMiddleware rejects cross-origin browser requests that the configured
// policy disallows and emits CORS headers for the ones it permits. Requests
// without an Origin header pass through untouched.
func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !origin.Allowed(originHeader, r.Host, s.cfg.AllowedOrigins) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", originHeader)
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			// Basic preflight support so the frontend can run on a separate
			// origin during development.
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,PUT,DELETE,OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
