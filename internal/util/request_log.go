package util

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

type logAttrsContextKey struct{}

// logAttrs collects attributes that handlers attach to the access log line.
type logAttrs struct {
	mu    sync.Mutex
	attrs []any
}

// AnnotateRequest adds key/value pairs, such as the operator subject or a
// conversation id, to the access log line of the current request. It is a
// no-op outside WithRequestLog.
func AnnotateRequest(ctx context.Context, args ...any) {
	la, ok := ctx.Value(logAttrsContextKey{}).(*logAttrs)
	if !ok {
		return
	}
	la.mu.Lock()
	la.attrs = append(la.attrs, args...)
	la.mu.Unlock()
}

// WithRequestLog emits one structured log line per HTTP request through the
// request-scoped logger, so request_id is included when WithRequestID runs
// first. Server errors log at error level and client errors at warn.
func WithRequestLog(service string, next http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		la := &logAttrs{}
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), logAttrsContextKey{}, la)))
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		args := []any{
			"service", service,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		la.mu.Lock()
		args = append(args, la.attrs...)
		la.mu.Unlock()
		LoggerFromContext(r.Context()).Log(r.Context(), level, "http_request", args...)
	})
}
