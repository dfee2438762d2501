package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// withAccessLog logs one line per request. Secrets in the path are not logged.
func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		slog.Debug("web: Request handled",
			"method", r.Method,
			"path", redactPath(r.URL.Path),
			"status", recorder.status,
			"duration", time.Since(started),
			"request_id", RequestID(r.Context()),
		)
	})
}

// redactPath hides link secrets, which act as bearer credentials
func redactPath(path string) string {
	if !strings.HasPrefix(path, "/events/") {
		return path
	}
	if i := strings.LastIndex(path, "/"); i > len("/events") {
		return path[:i+1] + "***"
	}
	return path
}
