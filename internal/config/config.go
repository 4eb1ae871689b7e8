// Package config resolves codexhubd's runtime configuration from
// environment variables, with sensible defaults for local development.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Config holds codexhubd runtime configuration.
type Config struct {
	// Host is the address the WebSocket+HTTP surface listens on.
	Host string

	// Port is the TCP port the WebSocket+HTTP surface listens on.
	Port string

	// Token authenticates /ws?token= connections. If CODEX_HUB_TOKEN is
	// unset, a random one is generated at startup and logged once.
	Token string

	// DataDir holds the three SQLite databases (threads, analytics,
	// reviews).
	DataDir string

	// ProfilesDir is where profiles.json lives; defaults to DataDir.
	ProfilesDir string

	// DefaultCodexHome is the codexHome the built-in "default" profile
	// points at.
	DefaultCodexHome string

	// DefaultCwd is the cwd the built-in "default" profile points at.
	DefaultCwd string

	// CodexBin is the `codex` executable invoked for `app-server`,
	// resolved against PATH if not an absolute path.
	CodexBin string

	// CodexFlags are extra flags passed before the `app-server`
	// subcommand.
	CodexFlags []string

	// AppServerFlags are extra flags passed after `app-server`.
	AppServerFlags []string
}

// DefaultConfig returns the configuration derived from environment
// variables, applying defaults for anything unset.
func DefaultConfig() (*Config, error) {
	homeDir, _ := os.UserHomeDir()
	dataDir := getenv("CODEX_HUB_DATA_DIR", filepath.Join(homeDir, ".codex-hub"))

	codexFlags, err := parseFlagsEnv("CODEX_FLAGS", "CODEX_FLAGS_JSON")
	if err != nil {
		return nil, fmt.Errorf("parse CODEX_FLAGS: %w", err)
	}
	appServerFlags, err := parseFlagsEnv("CODEX_APP_SERVER_FLAGS", "CODEX_APP_SERVER_FLAGS_JSON")
	if err != nil {
		return nil, fmt.Errorf("parse CODEX_APP_SERVER_FLAGS: %w", err)
	}

	cfg := &Config{
		Host:             getenv("CODEX_HUB_HOST", "127.0.0.1"),
		Port:             getenv("CODEX_HUB_PORT", "4455"),
		Token:            os.Getenv("CODEX_HUB_TOKEN"),
		DataDir:          dataDir,
		ProfilesDir:      getenv("CODEX_HUB_PROFILES_DIR", dataDir),
		DefaultCodexHome: getenv("CODEX_HUB_DEFAULT_CODEX_HOME", filepath.Join(homeDir, ".codex")),
		DefaultCwd:       getenv("CODEX_HUB_DEFAULT_CWD", homeDir),
		CodexBin:         resolveCodexBin(),
		CodexFlags:       codexFlags,
		AppServerFlags:   appServerFlags,
	}
	return cfg, nil
}

// resolveCodexBin honors CODEX_BIN verbatim if set (absolute paths pass
// through exec.Cmd unchanged); otherwise it falls back to PATH lookup
// of "codex", leaving the bare name if lookup fails so the eventual
// exec.Command call surfaces the real "not found" error.
func resolveCodexBin() string {
	if v := os.Getenv("CODEX_BIN"); v != "" {
		return v
	}
	if p, err := exec.LookPath("codex"); err == nil {
		return p
	}
	return "codex"
}

// parseFlagsEnv reads a whitespace-split flag list from nameVar, or a
// JSON array of strings from jsonVar if set (jsonVar takes precedence).
func parseFlagsEnv(nameVar, jsonVar string) ([]string, error) {
	if raw := os.Getenv(jsonVar); raw != "" {
		var flags []string
		if err := json.Unmarshal([]byte(raw), &flags); err != nil {
			return nil, err
		}
		return flags, nil
	}
	raw := os.Getenv(nameVar)
	if raw == "" {
		return nil, nil
	}
	return splitFields(raw), nil
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

// ThreadsDBPath, AnalyticsDBPath, ReviewsDBPath, and ProfilesFilePath
// are the on-disk locations of the three SQLite stores and the profile
// registry, all rooted under DataDir/ProfilesDir.
func (c *Config) ThreadsDBPath() string    { return filepath.Join(c.DataDir, "threads.sqlite") }
func (c *Config) AnalyticsDBPath() string  { return filepath.Join(c.DataDir, "analytics.sqlite") }
func (c *Config) ReviewsDBPath() string    { return filepath.Join(c.DataDir, "reviews.sqlite") }
func (c *Config) ProfilesFilePath() string { return filepath.Join(c.ProfilesDir, "profiles.json") }

// EnsureDirs creates DataDir and ProfilesDir.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, c.ProfilesDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
