package middleware

import (
	"crypto/subtle"
	"net/http"

	apiErrors "tripmail/internal/pkg/errors"
)

// CronAuth guards internal endpoints with a shared bearer secret. An empty
// secret rejects every request.
func CronAuth(secret string) func(http.HandlerFunc) http.HandlerFunc {
	expected := []byte("Bearer " + secret)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if secret == "" || subtle.ConstantTimeCompare(got, expected) != 1 {
				apiErrors.WriteError(w, http.StatusUnauthorized, apiErrors.ErrCodeUnauthorized, "Unauthorized.", "")
				return
			}
			next(w, r)
		}
	}
}
