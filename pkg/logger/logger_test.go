package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestAuditWriterRotatesIntoConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	writer, err := newAuditWriter(AuditConfig{Path: path, MaxSizeMB: 1, Compress: true})
	if err != nil {
		t.Fatalf("new audit writer: %v", err)
	}
	defer writer.Close()

	if writer.MaxBackups != 7 || writer.MaxAge != 30 || !writer.Compress {
		t.Fatalf("defaults not applied: %+v", writer)
	}

	audit := slog.New(slog.NewJSONHandler(writer, nil))
	audit.Info("query processed", "query_id", "q-1", "status", "success")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &entry); err != nil {
		t.Fatalf("audit entry is not json: %v", err)
	}
	if entry["msg"] != "query processed" || entry["query_id"] != "q-1" {
		t.Fatalf("unexpected audit entry: %v", entry)
	}
}

func TestAuditWriterRequiresPath(t *testing.T) {
	if _, err := newAuditWriter(AuditConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestOpenWriterStandardStreams(t *testing.T) {
	for _, name := range []string{"stdout", "STDERR"} {
		writer, closer, err := openWriter(name)
		if err != nil || writer == nil || closer != nil {
			t.Fatalf("openWriter(%q) = %v, %v, %v", name, writer, closer, err)
		}
	}

	path := filepath.Join(t.TempDir(), "logs", "app.log")
	writer, closer, err := openWriter(path)
	if err != nil {
		t.Fatalf("open file writer: %v", err)
	}
	defer closer.Close()
	if _, err := writer.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file should exist: %v", err)
	}
}
