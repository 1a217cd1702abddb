// Package app wires the trust core together: one App owns the trust
// registry, the IPC gateway, the credential store, the plugin runtime, the
// remote-flag poller and the per-save session clients. All privileged state
// has exactly one owner; UI surfaces only ever reach it through the gateway.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/plumeapp/plume-desktop/internal/auditlog"
	"github.com/plumeapp/plume-desktop/internal/config"
	"github.com/plumeapp/plume-desktop/internal/credentials"
	"github.com/plumeapp/plume-desktop/internal/diag"
	"github.com/plumeapp/plume-desktop/internal/envelope"
	"github.com/plumeapp/plume-desktop/internal/flags"
	"github.com/plumeapp/plume-desktop/internal/history"
	"github.com/plumeapp/plume-desktop/internal/ipc"
	"github.com/plumeapp/plume-desktop/internal/plugin"
	"github.com/plumeapp/plume-desktop/internal/protocol"
	"github.com/plumeapp/plume-desktop/internal/trust"
)

type Options struct {
	Config *config.Config
	// ConfigPath is the path used to load the config file.
	ConfigPath string

	Version   string
	Commit    string
	BuildTime string

	// Notify pushes an event to the UI surface (host shell -> webview).
	// Nil means events are logged and dropped.
	Notify func(topic string, payload any)
}

type App struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	stateDir string

	registry *trust.Registry
	audit    *auditlog.Store
	gateway  *ipc.Gateway

	creds     *credentials.Store
	apiClient *http.Client
	plugins   *plugin.Runtime
	poller    *flags.Poller
	history   *history.Store
	diag      *diag.Service

	notify func(topic string, payload any)

	mu       sync.Mutex
	runCtx   context.Context
	sessions map[string]*activeSession // save_id -> session
}

type activeSession struct {
	client *protocol.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config

	logger, err := newLogger(strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		return nil, err
	}

	stateDir := cfg.EffectiveStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}

	creds, err := credentials.NewStore(credentials.Options{
		Logger:  logger,
		Path:    filepath.Join(stateDir, "credentials.json"),
		Storage: credentials.NewMachineSecureStorage(),
		Enforce: cfg.SecureStorageEnforced(),
	})
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}

	hist, err := history.Open(filepath.Join(stateDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}

	a := &App{
		cfg:       cfg,
		log:       logger,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		stateDir:  stateDir,
		registry:  trust.NewRegistry(),
		audit:     audit,
		creds:     creds,
		history:   hist,
		diag:      diag.NewService(logger),
		notify:    opts.Notify,
		sessions:  make(map[string]*activeSession),
	}
	if a.notify == nil {
		a.notify = func(topic string, payload any) {
			logger.Debug("ui event dropped (no notifier)", "topic", topic)
		}
	}

	a.apiClient = &http.Client{Timeout: 30 * time.Second}
	if enc := cfg.AppEncryption; enc != nil && enc.Enabled {
		keys, err := enc.DecodeKeys()
		if err != nil {
			return nil, fmt.Errorf("app encryption: %w", err)
		}
		codec, err := envelope.NewCodec(keys)
		if err != nil {
			return nil, fmt.Errorf("app encryption: %w", err)
		}
		tr, err := envelope.NewTransport(codec, enc.ActiveKid, nil)
		if err != nil {
			return nil, fmt.Errorf("app encryption: %w", err)
		}
		a.apiClient.Transport = tr
		logger.Info("app-level encryption enabled", "active_kid", enc.ActiveKid, "kids", codec.Kids())
	}

	if url := strings.TrimSpace(cfg.RemoteFlagsURL); url != "" {
		poller, err := flags.NewPoller(flags.Options{
			Logger:   logger,
			URL:      url,
			Interval: time.Duration(cfg.FlagPollIntervalSec) * time.Second,
			Client:   a.apiClient,
		})
		if err != nil {
			return nil, fmt.Errorf("flag poller: %w", err)
		}
		a.poller = poller
	}

	if catalog, err := plugin.LoadCatalog(cfg.CatalogPath()); err != nil {
		// Plugin support degrades to "unavailable"; everything else runs.
		logger.Warn("plugin catalog unavailable; plugin support disabled",
			"path", cfg.CatalogPath(), "error", err)
	} else {
		rt, err := plugin.NewRuntime(plugin.Options{
			Logger:        logger,
			Catalog:       catalog,
			Audit:         audit,
			RemoteEnabled: a.remotePluginsEnabled,
			Sink:          a.onPluginOutput,
		})
		if err != nil {
			return nil, fmt.Errorf("plugin runtime: %w", err)
		}
		rt.SetEnabled(cfg.Plugins.Enabled)
		a.plugins = rt
		if a.poller != nil {
			a.poller.OnChange(func(flags.Snapshot) { rt.RemoteChanged() })
		}
	}

	a.gateway = ipc.NewGateway(logger, a.registry, audit)
	a.registerOps()
	return a, nil
}

// Gateway returns the privileged IPC entry point for the host shell.
func (a *App) Gateway() *ipc.Gateway { return a.gateway }

// RegisterSurface mints a trusted sender token for a window/frame the host
// just created. The host injects the token into that surface and nowhere else.
func (a *App) RegisterSurface() trust.Sender { return a.registry.Register() }

// RevokeSurface forgets a destroyed window/frame.
func (a *App) RevokeSurface(s trust.Sender) { a.registry.Revoke(s) }

// remotePluginsEnabled is the kill-switch input to the plugin runtime. With
// no flag endpoint configured there is no remote veto; with one configured
// the default is disabled until the first successful fetch.
func (a *App) remotePluginsEnabled() bool {
	if a.poller == nil {
		return true
	}
	return a.poller.Snapshot().PluginsEnabled
}

func (a *App) onPluginOutput(ev plugin.OutputEvent) {
	a.notify("plugin.output", ev)
}

// Run blocks until ctx is canceled, then shuts everything down in reverse
// dependency order.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("plume-desktop starting",
		"version", a.version,
		"commit", a.commit,
		"build_time", a.buildTime,
		"device_id", a.cfg.DeviceID,
		"state_dir", a.stateDir,
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)

	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	var wg sync.WaitGroup
	if a.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("flag poller stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()

	a.closeAllSessions()
	if a.plugins != nil {
		a.plugins.Stop()
	}
	wg.Wait()
	if err := a.history.Close(); err != nil {
		a.log.Warn("history close", "error", err)
	}
	a.log.Info("plume-desktop stopped")
	return ctx.Err()
}

func (a *App) closeAllSessions() {
	a.mu.Lock()
	sessions := make([]*activeSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessions = make(map[string]*activeSession)
	a.mu.Unlock()

	for _, s := range sessions {
		s.client.Close()
		s.cancel()
		<-s.done
	}
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}

// decodeArgs unmarshals handler args with a stable BAD_ARGS mapping.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return ipc.Errf(ipc.CodeBadArgs, "missing args")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return ipc.Errf(ipc.CodeBadArgs, "decode args: %v", err)
	}
	return nil
}
