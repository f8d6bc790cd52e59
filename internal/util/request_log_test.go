package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestWithRequestLogIncludesRequestIDAndAnnotations(t *testing.T) {
	buf := captureLogs(t)
	h := WithRequestID(WithRequestLog("bot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AnnotateRequest(r.Context(), "conversation_id", int64(7), "operator", "ops")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"closed"}`))
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/7/cancel", nil)
	req.Header.Set("X-Request-Id", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "http_request" || line["level"] != "WARN" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if line["request_id"] != "req-1" || line["service"] != "bot" {
		t.Fatalf("missing request attributes: %v", line)
	}
	if line["conversation_id"] != float64(7) || line["operator"] != "ops" {
		t.Fatalf("missing annotations: %v", line)
	}
	if line["status"] != float64(http.StatusConflict) || line["bytes"] != float64(len(`{"error":"closed"}`)) {
		t.Fatalf("unexpected status or size: %v", line)
	}
}

func TestWithRequestLogDefaultsToOK(t *testing.T) {
	buf := captureLogs(t)
	h := WithRequestLog("", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["level"] != "INFO" || line["status"] != float64(http.StatusOK) || line["service"] != "unknown" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestAnnotateRequestOutsideMiddleware(t *testing.T) {
	AnnotateRequest(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "k", "v")
}
