package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewHandlerConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	h, closer, err := NewHandler(Config{Format: "json", Level: "info"}, &buf)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	defer closer.Close()

	slog.New(h).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("expected JSON record, got %q", buf.String())
	}
}

func TestNewHandlerFanoutToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orderer.log")
	var buf bytes.Buffer
	h, closer, err := NewHandler(Config{Format: "text", Level: "debug", File: path}, &buf)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	slog.New(h).Debug("pinned", "cid", "bafy")
	closer.Close()

	if !strings.Contains(buf.String(), "msg=pinned") {
		t.Errorf("console missing record: %q", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"cid":"bafy"`) {
		t.Errorf("file missing JSON record: %q", data)
	}
}

func TestCorrelationID(t *testing.T) {
	id := GenerateCorrelationID()
	if len(id) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", id)
	}
	ctx := WithCorrelationID(context.Background(), id)
	if got := CorrelationID(ctx); got != id {
		t.Errorf("CorrelationID = %q, want %q", got, id)
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
}
