package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// RequireToken verifies a bearer token and puts its user into the request context.
func RequireToken(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(raw, bearerPrefix) {
				unauthorized(w, "missing bearer token")
				return
			}
			userID, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix))
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}
