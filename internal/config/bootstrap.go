package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

type BootstrapArgs struct {
	GatewayWSURL   string
	APIBaseURL     string
	RemoteFlagsURL string

	ConfigPath string

	StateDir  string
	LogFormat string
	LogLevel  string
}

// BootstrapConfig writes an initial config file. An existing config is
// updated in place: endpoint URLs are replaced, but the device_id and any
// app_encryption/plugins settings are preserved so re-running bootstrap
// never re-identifies the installation.
func BootstrapConfig(args BootstrapArgs) (writtenPath string, err error) {
	wsURL := strings.TrimSpace(args.GatewayWSURL)
	apiURL := strings.TrimSpace(args.APIBaseURL)
	cfgPath := strings.TrimSpace(args.ConfigPath)
	if cfgPath == "" {
		cfgPath = DefaultConfigPath()
	}
	if wsURL == "" || apiURL == "" {
		return "", errors.New("missing gateway-ws-url/api-base-url")
	}

	cfg := &Config{}
	if prev, loadErr := Load(cfgPath); loadErr == nil {
		cfg = prev
	} else if !os.IsNotExist(loadErr) {
		// A present-but-broken config is replaced rather than propagated;
		// the operator asked for a bootstrap.
		cfg = &Config{}
	}

	cfg.GatewayWSURL = wsURL
	cfg.APIBaseURL = apiURL
	if v := strings.TrimSpace(args.RemoteFlagsURL); v != "" {
		cfg.RemoteFlagsURL = v
	}
	if v := strings.TrimSpace(args.StateDir); v != "" {
		cfg.StateDir = v
	}
	if v := strings.TrimSpace(args.LogFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(args.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		cfg.DeviceID = uuid.NewString()
	}

	if err := Save(cfgPath, cfg); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return cfgPath, nil
}
