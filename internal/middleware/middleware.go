// Package middleware provides HTTP middleware shared by the status server.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics registers an HTTP latency histogram on reg and returns a chi
// middleware that records every request by method, route pattern and status.
func RequestMetrics(reg prometheus.Registerer) (func(http.Handler) http.Handler, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imgharvest_http_request_duration_seconds",
		Help:    "Status server request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "code"})
	if err := reg.Register(hist); err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			routePattern := "unknown"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				routePattern = rc.RoutePattern()
			}
			hist.WithLabelValues(r.Method, routePattern, strconv.Itoa(ww.status)).Observe(time.Since(start).Seconds())
		})
	}, nil
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
