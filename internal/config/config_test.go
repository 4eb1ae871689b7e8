package config

import (
	"testing"
)

func clearCodexHubEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"CODEX_HUB_HOST", "CODEX_HUB_PORT", "CODEX_HUB_TOKEN", "CODEX_HUB_DATA_DIR",
		"CODEX_HUB_PROFILES_DIR", "CODEX_HUB_DEFAULT_CODEX_HOME", "CODEX_HUB_DEFAULT_CWD",
		"CODEX_BIN", "CODEX_FLAGS", "CODEX_FLAGS_JSON", "CODEX_APP_SERVER_FLAGS", "CODEX_APP_SERVER_FLAGS_JSON",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestDefaultConfigAppliesFallbacks(t *testing.T) {
	clearCodexHubEnv(t)
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q", cfg.Host)
	}
	if cfg.Port != "4455" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Token != "" {
		t.Errorf("Token should be empty when CODEX_HUB_TOKEN unset, got %q", cfg.Token)
	}
	if cfg.ProfilesDir != cfg.DataDir {
		t.Errorf("ProfilesDir should default to DataDir: %q != %q", cfg.ProfilesDir, cfg.DataDir)
	}
}

func TestDefaultConfigHonorsOverrides(t *testing.T) {
	clearCodexHubEnv(t)
	t.Setenv("CODEX_HUB_HOST", "0.0.0.0")
	t.Setenv("CODEX_HUB_PORT", "9999")
	t.Setenv("CODEX_HUB_TOKEN", "fixed-token")
	t.Setenv("CODEX_HUB_DATA_DIR", "/tmp/codex-hub-data")

	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != "9999" || cfg.Token != "fixed-token" {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.DataDir != "/tmp/codex-hub-data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.ThreadsDBPath() != "/tmp/codex-hub-data/threads.sqlite" {
		t.Errorf("ThreadsDBPath = %q", cfg.ThreadsDBPath())
	}
}

func TestAppServerFlagsPrefersJSONOverPlain(t *testing.T) {
	clearCodexHubEnv(t)
	t.Setenv("CODEX_APP_SERVER_FLAGS", "--plain --flags")
	t.Setenv("CODEX_APP_SERVER_FLAGS_JSON", `["--json","--flag","with space"]`)

	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"--json", "--flag", "with space"}
	if len(cfg.AppServerFlags) != len(want) {
		t.Fatalf("got %v, want %v", cfg.AppServerFlags, want)
	}
	for i := range want {
		if cfg.AppServerFlags[i] != want[i] {
			t.Fatalf("got %v, want %v", cfg.AppServerFlags, want)
		}
	}
}

func TestCodexFlagsSplitsOnWhitespace(t *testing.T) {
	clearCodexHubEnv(t)
	t.Setenv("CODEX_FLAGS", "--a  --b\t--c")

	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"--a", "--b", "--c"}
	if len(cfg.CodexFlags) != len(want) {
		t.Fatalf("got %v, want %v", cfg.CodexFlags, want)
	}
}

func TestParseFlagsEnvRejectsMalformedJSON(t *testing.T) {
	clearCodexHubEnv(t)
	t.Setenv("CODEX_FLAGS_JSON", "{not an array")

	if _, err := DefaultConfig(); err == nil {
		t.Fatal("expected error for malformed CODEX_FLAGS_JSON")
	}
}
