package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("trigger fired", Int64("trigger_id", 42), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "trigger fired" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["trigger_id"] != float64(42) {
		t.Fatalf("trigger_id = %v", m["trigger_id"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("expected caller field")
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn line, got %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lv := range []string{"", "debug", "INFO", "warning", "error", "trace"} {
		if !ValidLevel(lv) {
			t.Fatalf("ValidLevel(%q) = false", lv)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "cadence.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("scheduler started", String("comp", "scheduler"))
	log.Debug("below level")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(b), "scheduler started") || strings.Contains(string(b), "below level") {
		t.Fatalf("log file = %q", b)
	}

	// Raising the level applies to loggers handed out earlier.
	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	log.Debug("now visible")
	b, _ = os.ReadFile(path)
	if !strings.Contains(string(b), "now visible") {
		t.Fatalf("debug line missing after Apply: %q", b)
	}
}

func TestServiceApplyReportsFileError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	svc, _ := New(Config{Console: true, JSON: true})
	t.Cleanup(func() { _ = svc.Close() })
	if err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}}); err == nil {
		t.Fatal("Apply should report an unusable log path")
	}
}
