package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.yaml")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Config.Supervisor.MaxRestarts != 5 {
		t.Fatalf("expected default MaxRestarts=5, got %d", loaded.Config.Supervisor.MaxRestarts)
	}
	if loaded.Config.Pool.Max != 2 {
		t.Fatalf("expected default Pool.Max=2, got %d", loaded.Config.Pool.Max)
	}
}

func TestLoadMergesYAMLFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "pool:\n  max: 9\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Config.Pool.Max != 9 {
		t.Fatalf("expected file override Pool.Max=9, got %d", loaded.Config.Pool.Max)
	}
	if loaded.Config.Log.Level != "debug" {
		t.Fatalf("expected file override Log.Level=debug, got %q", loaded.Config.Log.Level)
	}
	// Untouched sibling fields keep their defaults.
	if loaded.Config.Pool.BasePort != 9600 {
		t.Fatalf("expected untouched Pool.BasePort=9600, got %d", loaded.Config.Pool.BasePort)
	}
}

func TestLoadConfigOverridesBlobTakesPrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  max: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configOverridesVar, `{"pool":{"max":17}}`)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Config.Pool.Max != 17 {
		t.Fatalf("expected MAHI_CONFIG_OVERRIDES to win, got Pool.Max=%d", loaded.Config.Pool.Max)
	}
}

func TestLoadDottedCfgEnvOverridesNestedScalar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv(cfgDottedPrefix+"SUPERVISOR__MAX_RESTARTS", "11")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Config.Supervisor.MaxRestarts != 11 {
		t.Fatalf("expected dotted override MaxRestarts=11, got %d", loaded.Config.Supervisor.MaxRestarts)
	}
}

func TestLoadSecretOverridesWinButAreNotPersisted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv(secretDottedPrefix+"AUTH__DEFAULT_RATE_LIMIT_PER_MIN", "999")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Config.Auth.DefaultRateLimitPerMin != 999 {
		t.Fatalf("expected secret override to apply to Config, got %d", loaded.Config.Auth.DefaultRateLimitPerMin)
	}

	if err := loaded.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Reload without the secret env var so only the saved file is seen.
	os.Unsetenv(secretDottedPrefix + "AUTH__DEFAULT_RATE_LIMIT_PER_MIN")
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload after Save: %v", err)
	}
	if reloaded.Config.Auth.DefaultRateLimitPerMin == 999 {
		t.Fatalf("secret override must not be persisted by Save, but reload saw %d", reloaded.Config.Auth.DefaultRateLimitPerMin)
	}
}

func TestSaveWritesAtomicallyAndIsReloadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := loaded.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file left behind after Save: %s", e.Name())
		}
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Config.Pool.Max != loaded.Config.Pool.Max {
		t.Fatalf("reloaded config diverged: got Pool.Max=%d want %d", reloaded.Config.Pool.Max, loaded.Config.Pool.Max)
	}
}
