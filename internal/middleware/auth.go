package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenHeader carries the cluster token on admin requests that do not use
// a Bearer Authorization header.
const TokenHeader = "X-Cluster-Token"

// RequireToken rejects requests that do not present token, either as
// "Authorization: Bearer <token>" or in the X-Cluster-Token header. An empty
// token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(TokenHeader)
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized: provide the cluster token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
