package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apiErrors "tripmail/internal/pkg/errors"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// HTTPLogger logs each request with status, duration and response size.
// Authorization headers and cookies are never logged.
func HTTPLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		event := log.Info()
		if wrapped.statusCode >= 500 {
			event = log.Error()
		} else if wrapped.statusCode >= 400 {
			event = log.Warn()
		}

		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration_ms", time.Since(start)).
			Int64("bytes", wrapped.written).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request completed")
	})
}

// Recover turns handler panics into 500s.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("Handler panic")
				apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Internal server error.", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
