package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCLIConfig_MissingFile(t *testing.T) {
	t.Setenv(configDirEnv, t.TempDir())

	cfg, err := loadCLIConfig()
	if err != nil {
		t.Fatalf("loadCLIConfig: %v", err)
	}
	if cfg != (cliConfig{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestSaveAndLoadCLIConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configDirEnv, dir)

	want := cliConfig{
		Hub:        "http://localhost:8787",
		Token:      "v1.abc.def",
		Principal:  "alice",
		DeviceID:   "laptop-1",
		DeviceName: "laptop",
	}
	if err := saveCLIConfig(want); err != nil {
		t.Fatalf("saveCLIConfig: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config perm = %o, want 600", perm)
	}

	got, err := loadCLIConfig()
	if err != nil {
		t.Fatalf("loadCLIConfig: %v", err)
	}
	if got != want {
		t.Fatalf("loadCLIConfig = %+v, want %+v", got, want)
	}
}

func TestLoadCLIConfig_Malformed(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configDirEnv, dir)

	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadCLIConfig(); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestEnsureDeviceID(t *testing.T) {
	t.Setenv(configDirEnv, t.TempDir())

	cfg := cliConfig{Hub: "http://localhost:8787"}
	if err := ensureDeviceID(&cfg); err != nil {
		t.Fatalf("ensureDeviceID: %v", err)
	}
	if cfg.DeviceID == "" {
		t.Fatal("expected a generated device id")
	}

	reloaded, err := loadCLIConfig()
	if err != nil {
		t.Fatalf("loadCLIConfig: %v", err)
	}
	if reloaded.DeviceID != cfg.DeviceID {
		t.Fatalf("persisted device id %q, want %q", reloaded.DeviceID, cfg.DeviceID)
	}

	first := cfg.DeviceID
	if err := ensureDeviceID(&cfg); err != nil {
		t.Fatalf("ensureDeviceID second call: %v", err)
	}
	if cfg.DeviceID != first {
		t.Fatal("device id changed on second call")
	}
}
