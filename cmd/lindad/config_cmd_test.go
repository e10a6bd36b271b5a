package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("decode generated config: %v", err)
	}
	for _, key := range []string{"listen", "line-max", "max-connections", "connguard-enabled", "log-level"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("generated config lacks %q:\n%s", key, stdout)
		}
	}
	if doc["listen"] != "127.0.0.1:54321" {
		t.Fatalf("listen=%v", doc["listen"])
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected output path in %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat generated config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config perm=%o want 600", perm)
	}

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenRejectsStdoutWithOut(t *testing.T) {
	_, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", filepath.Join(t.TempDir(), "c.yaml"))
	if err == nil {
		t.Fatal("expected error for --stdout with --out")
	}
}
