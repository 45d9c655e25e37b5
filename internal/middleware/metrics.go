package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/liquidpay/backend/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Observe records request count and latency per route pattern, and logs
// server errors. It must wrap the ServeMux so the matched pattern is known.
func Observe(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			if rec.status >= http.StatusInternalServerError {
				logger.Error("request failed", "method", r.Method, "route", route, "status", rec.status)
			}
		})
	}
}
