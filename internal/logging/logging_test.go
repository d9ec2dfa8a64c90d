package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew_TeesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "run", "analyzer.log")

	logger, closeFn, err := New(Options{Level: "info", Console: true, File: path, ConsoleWriter: &console})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Named("tracker").Info("capture finished", zap.Int("frames", 42))
	logger.Debug("dropped below level")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(console.String(), "capture finished") || strings.Contains(console.String(), "dropped") {
		t.Errorf("unexpected console output:\n%s", console.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one JSON line, got %d:\n%s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["logger"] != "tracker" || entry["frames"] != float64(42) {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}
