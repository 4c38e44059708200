package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type statusCounter struct {
	codes []int
}

func (s *statusCounter) RecordIssueCreated(string)                {}
func (s *statusCounter) RecordStatusTransition(string, string)    {}
func (s *statusCounter) RecordTransitionConflict()                {}
func (s *statusCounter) RecordCommentAdded()                      {}
func (s *statusCounter) RecordLoginFailure(string)                {}
func (s *statusCounter) RecordHTTPStatus(code int)                { s.codes = append(s.codes, code) }
func (s *statusCounter) RecordIssuesImported(int)                 {}
func (s *statusCounter) RecordImportLatency(time.Duration)        {}
func (s *statusCounter) RecordJobRun(string, time.Duration, bool) {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func decodeLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

// TestLoggingMiddleware_LogsRequestFields はリクエストログに必要なフィールドが含まれることを検証する。
func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	handler := NewLoggingMiddleware(newTestLogger(&buf), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/issues", nil))

	entry := decodeLogEntry(t, &buf)
	if entry["msg"] != "http_request" || entry["method"] != "GET" || entry["path"] != "/api/issues" {
		t.Errorf("entry = %v", entry)
	}
	if status, _ := entry["status"].(float64); status != 200 {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v", entry["duration_ms"])
	}
	if _, ok := entry["principal_id"]; ok {
		t.Error("principal_id should be omitted for unauthenticated requests")
	}
}

// TestLoggingMiddleware_IncludesPrincipalID は内側のセッションミドルウェアが解決したプリンシパルIDを記録することを検証する。
func TestLoggingMiddleware_IncludesPrincipalID(t *testing.T) {
	var buf bytes.Buffer
	inner := NewSessionMiddleware(validResolver("tok", "principal-42"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler := NewLoggingMiddleware(newTestLogger(&buf), nil)(inner)

	req := httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	req.Header.Set("Authorization", "Bearer tok")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if entry := decodeLogEntry(t, &buf); entry["principal_id"] != "principal-42" {
		t.Errorf("principal_id = %v, want principal-42", entry["principal_id"])
	}
}

// TestLoggingMiddleware_IncludesRequestID はchiのRequestIDが付与したIDを記録することを検証する。
func TestLoggingMiddleware_IncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	handler := chimw.RequestID(NewLoggingMiddleware(newTestLogger(&buf), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if entry := decodeLogEntry(t, &buf); entry["request_id"] != "req-123" {
		t.Errorf("request_id = %v, want req-123", entry["request_id"])
	}
}

func TestLoggingMiddleware_LevelAndMetricsByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusCreated, "INFO"},
		{http.StatusBadRequest, "WARN"},
		{http.StatusConflict, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			counter := &statusCounter{}
			handler := NewLoggingMiddleware(newTestLogger(&buf), counter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.WriteHeader(http.StatusTeapot) // 2回目は記録しない
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

			entry := decodeLogEntry(t, &buf)
			if int(entry["status"].(float64)) != tt.status {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if len(counter.codes) != 1 || counter.codes[0] != tt.status {
				t.Errorf("recorded codes = %v, want [%d]", counter.codes, tt.status)
			}
		})
	}
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Hijack() on a recorder should fail")
	}
}
