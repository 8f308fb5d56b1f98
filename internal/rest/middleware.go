package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/taskflux/internal/logging"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID retrieves the request ID from context.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware tags each request with an ID, reusing the client's
// when present.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = logging.GenerateRequestID()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(logger logging.Logger) Middleware {
	restLogger := logger.WithSource("rest")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			msg := getAuditMessage(r.Method, r.URL.Path)

			// Skip logging for health checks
			if msg == "" {
				return
			}

			reqLogger := restLogger
			if id := RequestID(r); id != "" {
				reqLogger = reqLogger.WithRequestID(id)
			}

			reqLogger.Info(msg,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration", time.Since(start).String(),
				"remoteAddr", r.RemoteAddr,
			)
		})
	}
}

// getAuditMessage returns a meaningful audit message based on path and method
func getAuditMessage(method, path string) string {
	if path == "/api/v1/health" {
		return ""
	}

	if path == "/api/v1/cluster" {
		return "REST cluster status"
	}

	if strings.HasPrefix(path, "/api/v1/queues") {
		switch {
		case strings.HasSuffix(path, "/enqueue"):
			return "REST enqueue"
		case strings.HasSuffix(path, "/dequeue"):
			return "REST dequeue"
		case strings.HasSuffix(path, "/count"):
			return "REST count"
		}
		switch method {
		case http.MethodGet:
			return "REST list queues"
		case http.MethodPost:
			return "REST create queue"
		case http.MethodDelete:
			return "REST delete queue"
		}
	}

	return "REST request"
}

// RecoveryMiddleware recovers from panics.
func RecoveryMiddleware(logger logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
