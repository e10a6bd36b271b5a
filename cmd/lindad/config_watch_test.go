package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lindad/internal/logswitch"
)

func TestReadConfigLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: :1\nlog-level: \" debug \"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readConfigLogLevel(path)
	if err != nil {
		t.Fatalf("readConfigLogLevel: %v", err)
	}
	if got != "debug" {
		t.Fatalf("log level=%q want debug", got)
	}
}

func TestLogLevelWatcherAppliesEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log-level: info\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sw := logswitch.New(pslog.NoopLogger(), pslog.InfoLevel)
	w, err := watchLogLevel(path, sw, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("watchLogLevel: %v", err)
	}
	defer w.Close()

	// Replace by rename the way editors do.
	tmp := filepath.Join(dir, "config.yaml.tmp")
	if err := os.WriteFile(tmp, []byte("log-level: debug\n"), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitForLevel(t, sw, pslog.DebugLevel)

	if err := os.WriteFile(path, []byte("log-level: nonsense\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(path, []byte("log-level: trace\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForLevel(t, sw, pslog.TraceLevel)

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func waitForLevel(t *testing.T, sw *logswitch.Switch, want pslog.Level) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sw.Level() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("level=%v want %v", sw.Level(), want)
}
