package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Tafka-4/codex-agent-management/internal/observability"
)

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !isWebSocketPath(r.URL.Path) {
			if !s.limiter.Allow(clientAddr(r)) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
				return
			}
		}

		// WebSocket upgrades hijack the connection; skip the recorder so
		// the upgrader sees the original ResponseWriter.
		if isWebSocketPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.RecordHTTPRequest(r.Method, routePattern(r), strconv.Itoa(rec.status), time.Since(start))
	})
}

func isWebSocketPath(path string) bool {
	return strings.HasSuffix(path, "/ws")
}

// routePattern collapses session identifiers out of the path to keep metric
// label cardinality bounded.
func routePattern(r *http.Request) string {
	const prefix = "/api/sessions/"
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	rest := path[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + ":id" + rest[i:]
	}
	return prefix + ":id"
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
