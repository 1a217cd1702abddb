package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		GatewayWSURL: "wss://gw.plume.test/session",
		APIBaseURL:   "https://api.plume.test",
		DeviceID:     "dev-1",
	}
}

func TestValidateRequiredFields(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := validConfig()
	cfg.GatewayWSURL = "  "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing gateway_ws_url")
	}

	cfg = validConfig()
	cfg.DeviceID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing device_id")
	}
}

func TestAppEncryptionValidation(t *testing.T) {
	t.Parallel()

	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	cfg := validConfig()
	cfg.AppEncryption = &AppEncryption{
		Enabled:   true,
		ActiveKid: "k2",
		Keys:      map[string]string{"k1": key, "k2": key},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid app_encryption rejected: %v", err)
	}
	keys, err := cfg.AppEncryption.DecodeKeys()
	if err != nil {
		t.Fatalf("DecodeKeys: %v", err)
	}
	if len(keys) != 2 || len(keys["k1"]) != 32 {
		t.Fatalf("unexpected decoded keys: %v", keys)
	}

	cfg.AppEncryption.ActiveKid = "missing"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for active_kid without key")
	}

	cfg.AppEncryption = &AppEncryption{
		Enabled:   true,
		ActiveKid: "k1",
		Keys:      map[string]string{"k1": base64.StdEncoding.EncodeToString(make([]byte, 16))},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for short key")
	}

	// Disabled encryption skips key validation entirely.
	cfg.AppEncryption = &AppEncryption{Enabled: false}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled app_encryption should not validate keys: %v", err)
	}
}

func TestSecureStorageEnforcedDefault(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if !cfg.SecureStorageEnforced() {
		t.Fatalf("secure storage must be enforced by default")
	}
	off := false
	cfg.EnforceSecureStorage = &off
	if cfg.SecureStorageEnforced() {
		t.Fatalf("explicit opt-out ignored")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := validConfig()
	cfg.Plugins = PluginsConfig{Enabled: true}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config perms = %v, want 0600", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.GatewayWSURL != cfg.GatewayWSURL || got.DeviceID != cfg.DeviceID || !got.Plugins.Enabled {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestBootstrapPreservesDeviceID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	written, err := BootstrapConfig(BootstrapArgs{
		GatewayWSURL: "wss://gw.plume.test/session",
		APIBaseURL:   "https://api.plume.test",
		ConfigPath:   path,
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if written != path {
		t.Fatalf("written path = %q, want %q", written, path)
	}

	first, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if strings.TrimSpace(first.DeviceID) == "" {
		t.Fatalf("bootstrap did not mint a device_id")
	}

	if _, err := BootstrapConfig(BootstrapArgs{
		GatewayWSURL: "wss://gw2.plume.test/session",
		APIBaseURL:   "https://api.plume.test",
		ConfigPath:   path,
	}); err != nil {
		t.Fatalf("re-bootstrap: %v", err)
	}
	second, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("re-bootstrap changed device_id: %q -> %q", first.DeviceID, second.DeviceID)
	}
	if second.GatewayWSURL != "wss://gw2.plume.test/session" {
		t.Fatalf("re-bootstrap did not update gateway url")
	}
}

func TestBootstrapRejectsMissingEndpoints(t *testing.T) {
	t.Parallel()

	if _, err := BootstrapConfig(BootstrapArgs{ConfigPath: filepath.Join(t.TempDir(), "c.json")}); err == nil {
		t.Fatalf("expected error for missing endpoints")
	}
}
