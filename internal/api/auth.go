package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerAuth rejects requests whose Authorization header does not carry
// token. An empty token rejects every request.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validBearer(r.Header.Get("Authorization"), want) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="medctx"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validBearer(header string, want []byte) bool {
	if len(want) == 0 || !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	got := strings.TrimSpace(header[len(bearerPrefix):])
	return subtle.ConstantTimeCompare([]byte(got), want) == 1
}
