package main

import (
	"fmt"
	"os"
	"path/filepath"

	"guild/pkg/protocol"
)

// Paths holds all resolved guild state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	GuildHome  string // ~/.guild or GUILD_HOME
	DBPath     string // hub.db or GUILD_DB_PATH
	ConfigPath string // config.yaml (inside GuildHome)
	RosterPath string // agents.toml (inside GuildHome)
}

// ResolvePaths returns all guild paths, respecting env var overrides.
// Environment variables:
//   - GUILD_HOME: base directory for all hub state (default: ~/.guild)
//   - GUILD_DB_PATH: hub database (default: $GUILD_HOME/hub.db)
//
// If GUILD_HOME is set, it becomes the base for all default paths.
func ResolvePaths() (*Paths, error) {
	home, err := resolveGuildHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		GuildHome:  home,
		DBPath:     resolvePathWithEnv("GUILD_DB_PATH", home, protocol.DBFileName),
		ConfigPath: filepath.Join(home, protocol.ConfigFileName),
		RosterPath: filepath.Join(home, protocol.RosterFileName),
	}, nil
}

// resolveGuildHome returns the hub directory from GUILD_HOME or ~/.guild.
func resolveGuildHome() (string, error) {
	if v := os.Getenv("GUILD_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.GuildDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
