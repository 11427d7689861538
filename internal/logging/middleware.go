package logging

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestLogger returns a chi-compatible middleware that logs each request
// with method, path, status, duration_ms, size and the chi request id.
func RequestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := log.Info()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Int("size", ww.BytesWritten()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
