package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunInit_CreatesHubDirectory(t *testing.T) {
	home := filepath.Join(t.TempDir(), "guild-home")
	t.Setenv("GUILD_HOME", home)
	t.Setenv("GUILD_DB_PATH", "")

	var out strings.Builder
	if err := runInit(&out, false); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	for _, name := range []string{"config.yaml", "agents.toml", "hub.db"} {
		if _, err := os.Stat(filepath.Join(home, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
	if !strings.Contains(out.String(), "Hub initialized") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "guild-home")
	t.Setenv("GUILD_HOME", home)
	t.Setenv("GUILD_DB_PATH", "")

	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	custom := []byte("bus:\n  max_attempts: 9\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), custom, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out strings.Builder
	if err := runInit(&out, false); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(got) != string(custom) {
		t.Error("existing config overwritten without --force")
	}
	if !strings.Contains(out.String(), "kept existing") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunInit_ForceOverwrites(t *testing.T) {
	home := filepath.Join(t.TempDir(), "guild-home")
	t.Setenv("GUILD_HOME", home)
	t.Setenv("GUILD_DB_PATH", "")

	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bus:\n  max_attempts: 9\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out strings.Builder
	if err := runInit(&out, true); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(got), "max_attempts: 9") {
		t.Error("--force did not overwrite config")
	}
}
