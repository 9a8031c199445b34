// ABOUTME: Bearer token check for the operator API routes
// ABOUTME: The LINE callback is authenticated by its signature instead

package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requireAPIToken guards next with the configured API token. With no
// token configured the API is open, which suits a loopback-only listener.
func (g *Gateway) requireAPIToken(next http.HandlerFunc) http.HandlerFunc {
	if g.apiToken == "" {
		return next
	}
	want := []byte(g.apiToken)
	return func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			g.sendJSONError(w, http.StatusUnauthorized, errMsg)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}
