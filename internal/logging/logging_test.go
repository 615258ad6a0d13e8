package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn")
	logger.Info("Hidden message")
	logger.Warn("Visible message", "destinationId", "d1")

	out := buf.String()
	if strings.Contains(out, "Hidden message") {
		t.Errorf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `msg="Visible message"`) || !strings.Contains(out, "destinationId=d1") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.log")
	logger, closer := New(Options{Level: "info", File: path, MaxSizeMB: 1})
	logger.Info("Written to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "Written to file") {
		t.Errorf("expected log line in file, got %q", data)
	}
}
