package api

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader authenticates management API calls.
const SecretHeader = "X-API-Secret"

func SecretAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing api secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
