package orchestrator

import (
	"crypto/subtle"
	"net/http"
)

// SecretAuth rejects requests whose "secret" parameter does not match secret.
// An empty secret disables the check.
func SecretAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		want := []byte(secret)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.FormValue("secret"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, "Invalid secret.", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
