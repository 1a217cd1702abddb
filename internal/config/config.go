package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for plume-desktop.
//
// NOTE: Tokens never live in this file; they are kept in the credential
// store under StateDir. Keep it chmod 0600 anyway, app_encryption holds keys.
type Config struct {
	GatewayWSURL   string `json:"gateway_ws_url"`
	APIBaseURL     string `json:"api_base_url"`
	RemoteFlagsURL string `json:"remote_flags_url,omitempty"`

	// DeviceID identifies this installation on the session protocol.
	// Generated once at first run and reused forever.
	DeviceID string `json:"device_id"`

	// StateDir is the filesystem root for local state (credentials,
	// history database, plugin catalog, audit log, instance lock).
	// If empty, the app picks a default under the user home dir.
	StateDir string `json:"state_dir,omitempty"`

	// EnforceSecureStorage makes credential persistence fail closed when
	// the OS secure storage is unavailable. Defaults to true; set false
	// only on machines where a plaintext fallback is an accepted risk.
	EnforceSecureStorage *bool `json:"enforce_secure_storage,omitempty"`

	AppEncryption *AppEncryption `json:"app_encryption,omitempty"`

	Plugins PluginsConfig `json:"plugins"`

	// FlagPollIntervalSec is the remote kill-switch poll interval.
	// Zero means the poller default.
	FlagPollIntervalSec int `json:"flag_poll_interval_sec,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// AppEncryption configures the application-layer request/response envelope.
type AppEncryption struct {
	Enabled bool `json:"enabled"`
	// ActiveKid selects the key used for new requests.
	ActiveKid string `json:"active_kid,omitempty"`
	// Keys maps kid -> base64(32-byte key). Old kids stay listed during
	// rotation so in-flight responses still decode.
	Keys map[string]string `json:"keys,omitempty"`
}

type PluginsConfig struct {
	Enabled bool `json:"enabled"`
	// CatalogPath overrides the default <state_dir>/plugins/catalog.yaml.
	CatalogPath string `json:"catalog_path,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.GatewayWSURL) == "" {
		return errors.New("missing gateway_ws_url")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return errors.New("missing api_base_url")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("missing device_id")
	}
	if c.AppEncryption != nil && c.AppEncryption.Enabled {
		if err := c.AppEncryption.validate(); err != nil {
			return fmt.Errorf("invalid app_encryption: %w", err)
		}
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}

func (a *AppEncryption) validate() error {
	if strings.TrimSpace(a.ActiveKid) == "" {
		return errors.New("missing active_kid")
	}
	if len(a.Keys) == 0 {
		return errors.New("missing keys")
	}
	if _, ok := a.Keys[a.ActiveKid]; !ok {
		return fmt.Errorf("active_kid %q has no key", a.ActiveKid)
	}
	for kid, enc := range a.Keys {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
		if err != nil {
			return fmt.Errorf("key %q: %w", kid, err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("key %q: want 32 bytes, got %d", kid, len(raw))
		}
	}
	return nil
}

// DecodeKeys returns the envelope key set as raw bytes, keyed by kid.
func (a *AppEncryption) DecodeKeys() (map[string][]byte, error) {
	if a == nil {
		return nil, errors.New("nil app_encryption")
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(a.Keys))
	for kid, enc := range a.Keys {
		raw, _ := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
		out[kid] = raw
	}
	return out, nil
}

// SecureStorageEnforced reports the effective fail-closed setting
// (enabled unless explicitly turned off).
func (c *Config) SecureStorageEnforced() bool {
	if c.EnforceSecureStorage == nil {
		return true
	}
	return *c.EnforceSecureStorage
}

// EffectiveStateDir resolves StateDir, defaulting to ~/.plume-desktop/state.
func (c *Config) EffectiveStateDir() string {
	if dir := strings.TrimSpace(c.StateDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "plume-desktop-state"
	}
	return filepath.Join(home, ".plume-desktop", "state")
}

// CatalogPath resolves the plugin catalog location.
func (c *Config) CatalogPath() string {
	if p := strings.TrimSpace(c.Plugins.CatalogPath); p != "" {
		return p
	}
	return filepath.Join(c.EffectiveStateDir(), "plugins", "catalog.yaml")
}

// DefaultConfigPath returns the default config path:
//
//	~/.plume-desktop/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "plume-desktop.config.json"
	}
	return filepath.Join(home, ".plume-desktop", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
