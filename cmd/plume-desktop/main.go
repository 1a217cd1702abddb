package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/plumeapp/plume-desktop/internal/app"
	"github.com/plumeapp/plume-desktop/internal/config"
	"github.com/plumeapp/plume-desktop/internal/instancelock"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "bootstrap":
		bootstrapCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("plume-desktop %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `plume-desktop

Usage:
  plume-desktop bootstrap [flags]
  plume-desktop run [flags]
  plume-desktop version

Commands:
  bootstrap   Write the initial config file (endpoints, device identity).
  run         Run the desktop host using the local config file.
  version     Print build information.

`)
}

func bootstrapCmd(args []string) {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)

	gatewayWS := fs.String("gateway-ws-url", "", "Session gateway websocket URL (e.g. wss://gw.plume.example/session)")
	apiBase := fs.String("api-base-url", "", "REST API base URL (e.g. https://api.plume.example)")
	flagsURL := fs.String("remote-flags-url", "", "Remote feature flag endpoint (optional)")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	stateDir := fs.String("state-dir", "", "State directory (default: ~/.plume-desktop/state)")

	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *gatewayWS == "" || *apiBase == "" {
		fs.Usage()
		os.Exit(2)
	}

	out, err := config.BootstrapConfig(config.BootstrapArgs{
		GatewayWSURL:   *gatewayWS,
		APIBaseURL:     *apiBase,
		RemoteFlagsURL: *flagsURL,
		ConfigPath:     *cfgPath,
		StateDir:       *stateDir,
		LogFormat:      *logFormat,
		LogLevel:       *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", filepath.Clean(out))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	lock, err := instancelock.Acquire(cfg.EffectiveStateDir())
	if err != nil {
		if errors.Is(err, instancelock.ErrHeld) {
			fmt.Fprintf(os.Stderr, "another plume-desktop instance is already running\n")
		} else {
			fmt.Fprintf(os.Stderr, "failed to acquire instance lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer func() { _ = lock.Release() }()

	a, err := app.New(app.Options{
		Config:     cfg,
		ConfigPath: *cfgPath,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init app: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "app exited with error: %v\n", err)
		os.Exit(1)
	}
}
