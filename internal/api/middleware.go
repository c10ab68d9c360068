package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/logging"
	"github.com/regintel/blacklist/internal/metrics"
)

// ErrorHandler wraps the mux with request IDs, panic recovery, metrics,
// and failure logging. Websocket upgrades pass through unwrapped so the
// hub can hijack the connection.
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}

		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctxWithID, requestID := logging.WithRequestID(r.Context(), incomingID)
		r = r.WithContext(ctxWithID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		route := normalizeRoute(r.URL.Path)

		defer func() {
			metrics.Get().RecordHTTPRequest(r.Method, route, rw.StatusCode())
			if rw.statusCode >= 400 {
				log.Warn().
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Int("status", rw.statusCode).
					Str("request_id", requestID).
					Dur("duration", time.Since(start)).
					Msg("Request failed")
			}
		}()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")
				writeProblem(rw, r, http.StatusInternalServerError,
					"Internal Error", "An unexpected error occurred")
			}
		}()

		next.ServeHTTP(rw, r)
	})
}

// normalizeRoute collapses path parameters so metrics labels stay
// bounded regardless of how many IPs or services exist.
func normalizeRoute(path string) string {
	for _, prefix := range []string{
		"/api/collection/trigger/",
		"/api/collection/cancel/",
		"/api/collection/credentials/",
		"/api/collection/status/",
		"/api/collection/test/",
		"/api/resolution/",
		"/api/whitelist/",
		"/api/settings/",
		"/api/blacklist/",
	} {
		if strings.HasPrefix(path, prefix) && path != prefix {
			tail := path[len(prefix):]
			// Fixed subresources keep their own label.
			if !strings.Contains(tail, "/") && (tail == "list" || tail == "search") {
				return path
			}
			return prefix + ":param"
		}
	}
	return path
}

// GetClientIP extracts the caller address, honoring proxy headers only
// when the deployment says to trust them.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				return strings.TrimSpace(parts[0])
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	return extractRemoteIP(r.RemoteAddr)
}

func extractRemoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) StatusCode() int {
	if rw == nil {
		return http.StatusInternalServerError
	}
	return rw.statusCode
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("ResponseWriter does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
