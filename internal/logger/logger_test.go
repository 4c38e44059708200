package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetup_ReturnsJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelInfo)

	if l == nil {
		t.Fatal("expected non-nil logger")
	}

	l.Info("test message", slog.String("key", "value"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}

	if entry["msg"] != "test message" {
		t.Errorf("msg = %q, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %q, want %q", entry["key"], "value")
	}
}

func TestSetup_IncludesTimeField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelInfo)

	l.Info("test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
}

func TestSetup_IncludesLevelField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelInfo)

	l.Warn("warning test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["level"] != "WARN" {
		t.Errorf("level = %q, want %q", entry["level"], "WARN")
	}
}

func TestSetup_MultipleAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelInfo)

	l.Info("issue status changed",
		slog.String("principal_id", "u-123"),
		slog.String("issue_id", "i-456"),
		slog.String("url", "https://example.com/feed"),
		slog.Int("http_status", 200),
		slog.Int("created_count", 25),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["principal_id"] != "u-123" {
		t.Errorf("principal_id = %q, want %q", entry["principal_id"], "u-123")
	}
	if entry["issue_id"] != "i-456" {
		t.Errorf("issue_id = %q, want %q", entry["issue_id"], "i-456")
	}
	if entry["url"] != "https://example.com/feed" {
		t.Errorf("url = %q, want %q", entry["url"], "https://example.com/feed")
	}
	if entry["http_status"] != float64(200) {
		t.Errorf("http_status = %v, want %v", entry["http_status"], 200)
	}
	if entry["created_count"] != float64(25) {
		t.Errorf("created_count = %v, want %v", entry["created_count"], 25)
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	SetupDefault(&buf, slog.LevelInfo)

	slog.Default().Info("global test", slog.String("test_key", "test_val"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v\nraw: %s", err, buf.String())
	}

	if entry["msg"] != "global test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "global test")
	}
	if entry["test_key"] != "test_val" {
		t.Errorf("test_key = %q, want %q", entry["test_key"], "test_val")
	}
}

func TestSetup_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelWarn)

	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be suppressed at warn level, got %s", buf.String())
	}
	l.Error("shown")
	if buf.Len() == 0 {
		t.Error("error should be written at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
