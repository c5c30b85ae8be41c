package middleware

import (
	"crypto/subtle"
	"net/http"
)

// SharedSecret rejects requests whose header does not carry secret.
// Used for provider webhooks that can't hold a JWT.
func SharedSecret(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","message":"invalid webhook secret"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
