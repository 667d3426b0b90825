// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/nexarena/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// staticSegments are fixed routes that would otherwise look like ids.
var staticSegments = map[string]bool{
	"/api/queue/batch": true,
}

// normalizeEndpoint replaces ids in path with placeholders to keep label cardinality bounded.
func normalizeEndpoint(path string) string {
	for _, prefix := range []string{"/api/queue/", "/api/results/", "/api/sessions/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}

		id, action, hasAction := strings.Cut(rest, "/")
		if id == "" || (!hasAction && staticSegments[prefix+id]) {
			return path
		}
		if hasAction {
			return prefix + ":id/" + action
		}
		return prefix + ":id"
	}

	return path
}
