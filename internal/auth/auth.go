// Package auth guards the agent's ingest endpoints. The delivery transport
// does not use it; upstream authentication is the api_key in the envelope.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ServerConfig holds ingest authentication settings. The zero value leaves
// the endpoints open, which is the expected setup for a localhost sidecar.
type ServerConfig struct {
	// BearerToken is the expected bearer token.
	BearerToken string
	// BasicAuthUsername and BasicAuthPassword hold basic auth credentials.
	// Both must be set for basic auth to apply.
	BasicAuthUsername string
	BasicAuthPassword string
}

// Enabled reports whether any authentication scheme is configured.
func (c ServerConfig) Enabled() bool {
	return c.BearerToken != "" || (c.BasicAuthUsername != "" && c.BasicAuthPassword != "")
}

// Middleware wraps next with authentication. Bearer token wins when both
// schemes are configured. Comparisons are constant time.
func Middleware(cfg ServerConfig, next http.Handler) http.Handler {
	if !cfg.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		if cfg.BearerToken != "" {
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.BearerToken)) != 1 {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(cfg.BasicAuthUsername)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.BasicAuthPassword)) != 1 {
			http.Error(w, "invalid basic auth credentials", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
