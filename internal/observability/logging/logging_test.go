package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsCustomWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Writer: &buf})
	logger.Info("custom writer")

	if buf.Len() == 0 {
		t.Fatalf("expected output in custom writer, got none")
	}
}

func TestNewSelectsTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")

	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "warning", input: "warning", expected: slog.LevelWarn},
		{name: "warn", input: "warn", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "info", input: "info", expected: slog.LevelInfo},
		{name: "empty", input: "", expected: slog.LevelInfo},
		{name: "mixed case", input: " DeBuG ", expected: slog.LevelDebug},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			leveler := parseLevel(tc.input)
			if leveler == nil {
				t.Fatalf("expected leveler, got nil")
			}
			if got := leveler.Level(); got != tc.expected {
				t.Fatalf("level = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestWithContextAnnotatesIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithJobID(ctx, "job-9")

	WithContext(ctx, logger).Info("annotated")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["request_id"] != "req-1" || entry["job_id"] != "job-9" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestContextHelpersIgnoreBlankIDs(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "   ")
	if _, ok := RequestIDFromContext(ctx); ok {
		t.Fatal("blank request id must not be stored")
	}
	ctx = ContextWithJobID(ctx, "")
	if _, ok := JobIDFromContext(ctx); ok {
		t.Fatal("blank job id must not be stored")
	}
}

func TestRequestLoggerRecordsCompletion(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	middleware := RequestLogger(RequestLoggerConfig{Logger: logger})
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["method"] != "GET" || entry["path"] != "/api/jobs" {
		t.Fatalf("entry = %v", entry)
	}
	if status, ok := entry["status"].(float64); !ok || int(status) != http.StatusNotFound {
		t.Fatalf("status = %v", entry["status"])
	}
}
