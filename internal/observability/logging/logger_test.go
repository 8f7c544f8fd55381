package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONLoggerAddsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLoggerTo(&buf, "api", "warn")

	logger.Info("chat_completed")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %s", buf.String())
	}

	logger.Warn("retrieval_degraded", "reason", "sparse_failed")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "api" || entry["msg"] != "retrieval_degraded" || entry["reason"] != "sparse_failed" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}
