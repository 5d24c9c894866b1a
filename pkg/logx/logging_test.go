package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	if l.Enabled(LevelError) {
		t.Fatalf("zero logger should not be enabled")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "executor"))
	l.Warn("task timed out", String("task", "sync"), Duration("timeout", time.Hour), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["level"] != "warn" || m["message"] != "task timed out" {
		t.Fatalf("line=%v", m)
	}
	if m["comp"] != "executor" || m["task"] != "sync" || m["err"] != "boom" {
		t.Fatalf("fields=%v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%v", m["caller"])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if l.Enabled(LevelDebug) || !l.Enabled(LevelError) {
		t.Fatalf("Enabled mismatch")
	}
}

func TestServiceFileSinkAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "rbaker.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Debug("not yet")
	log.Info("scheduler alive")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("now visible")

	if got := svc.FilePath(); got != path {
		t.Fatalf("FilePath=%q want %q", got, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "not yet") {
		t.Fatalf("debug line written before level change: %s", out)
	}
	if !strings.Contains(out, "scheduler alive") || !strings.Contains(out, "now visible") {
		t.Fatalf("missing lines: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"trace", "DEBUG", " info ", "warning", "error"} {
		if _, ok := ParseLevel(s); !ok {
			t.Fatalf("ParseLevel(%q) not ok", s)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("ParseLevel(loud) should fail")
	}
}
