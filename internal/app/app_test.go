package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plumeapp/plume-desktop/internal/config"
	"github.com/plumeapp/plume-desktop/internal/ipc"
)

func testApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	off := false
	cfg := &config.Config{
		GatewayWSURL:         "ws://127.0.0.1:1/session",
		APIBaseURL:           "http://127.0.0.1:1",
		DeviceID:             "dev-test",
		StateDir:             t.TempDir(),
		LogFormat:            "text",
		LogLevel:             "error",
		EnforceSecureStorage: &off, // keep tests independent of OS keychains
	}
	if mutate != nil {
		mutate(cfg)
	}
	a, err := New(Options{Config: cfg, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func invoke(t *testing.T, a *App, op string, args string) (json.RawMessage, error) {
	t.Helper()
	sender := a.RegisterSurface()
	var raw json.RawMessage
	if args != "" {
		raw = json.RawMessage(args)
	}
	return a.Gateway().Invoke(context.Background(), sender, op, raw)
}

func TestAuthRoundTripThroughGateway(t *testing.T) {
	t.Parallel()

	a := testApp(t, nil)

	out, err := invoke(t, a, "auth.load", "")
	if err != nil {
		t.Fatalf("auth.load: %v", err)
	}
	var status struct {
		Present bool `json:"present"`
	}
	if err := json.Unmarshal(out, &status); err != nil || status.Present {
		t.Fatalf("fresh store reports present: %s (%v)", out, err)
	}

	if _, err := invoke(t, a, "auth.save", `{"access_token":"at-1","refresh_token":"rt-1"}`); err != nil {
		t.Fatalf("auth.save: %v", err)
	}

	out, err = invoke(t, a, "auth.load", "")
	if err != nil {
		t.Fatalf("auth.load: %v", err)
	}
	var after struct {
		Present    bool `json:"present"`
		HasRefresh bool `json:"has_refresh"`
	}
	if err := json.Unmarshal(out, &after); err != nil || !after.Present || !after.HasRefresh {
		t.Fatalf("after save: %s (%v)", out, err)
	}

	// Status never includes token material.
	for _, secret := range []string{"at-1", "rt-1"} {
		if strings.Contains(string(out), secret) {
			t.Fatalf("auth.load leaked token material: %s", out)
		}
	}

	if _, err := invoke(t, a, "auth.clear", ""); err != nil {
		t.Fatalf("auth.clear: %v", err)
	}
	out, _ = invoke(t, a, "auth.load", "")
	if err := json.Unmarshal(out, &status); err != nil || status.Present {
		t.Fatalf("after clear: %s", out)
	}
}

func TestAuthSaveWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	a := testApp(t, nil)
	if _, err := invoke(t, a, "auth.save", `{"access_token":"tok"}`); err != nil {
		t.Fatalf("auth.save without refresh token: %v", err)
	}
	out, err := invoke(t, a, "auth.load", "")
	if err != nil {
		t.Fatalf("auth.load: %v", err)
	}
	var status struct {
		Present    bool `json:"present"`
		HasRefresh bool `json:"has_refresh"`
	}
	if err := json.Unmarshal(out, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Present || status.HasRefresh {
		t.Fatalf("status = %+v, want present without refresh", status)
	}
}

func TestAuthSaveRejectsMissingToken(t *testing.T) {
	t.Parallel()

	a := testApp(t, nil)
	_, err := invoke(t, a, "auth.save", `{"access_token":"  "}`)
	var be *ipc.Error
	if !errors.As(err, &be) || be.Code != ipc.CodeBadArgs {
		t.Fatalf("err = %v, want %s", err, ipc.CodeBadArgs)
	}
}

func TestPluginOpsWithoutCatalog(t *testing.T) {
	t.Parallel()

	// No catalog file exists, so plugin support is degraded, not fatal.
	a := testApp(t, nil)

	for _, op := range []string{"plugin.status", "plugin.install", "plugin.set_enabled", "plugin.click_menu_item"} {
		_, err := invoke(t, a, op, `{}`)
		var be *ipc.Error
		if !errors.As(err, &be) || be.Code != ipc.CodePluginNotRunning {
			t.Fatalf("%s: err = %v, want %s", op, err, ipc.CodePluginNotRunning)
		}
	}
}

func TestSessionOpsRequireOpenSession(t *testing.T) {
	t.Parallel()

	a := testApp(t, nil)

	for _, tc := range []struct {
		op   string
		args string
	}{
		{"session.send", `{"save_id":"s1","text":"hi"}`},
		{"session.interrupt", `{"save_id":"s1"}`},
		{"session.close", `{"save_id":"s1"}`},
	} {
		_, err := invoke(t, a, tc.op, tc.args)
		var be *ipc.Error
		if !errors.As(err, &be) || be.Code != ipc.CodeBadArgs {
			t.Fatalf("%s: err = %v, want %s", tc.op, err, ipc.CodeBadArgs)
		}
	}
}

func TestSessionOpenRequiresRunningApp(t *testing.T) {
	t.Parallel()

	a := testApp(t, nil)
	_, err := invoke(t, a, "session.open", `{"save_id":"s1"}`)
	var be *ipc.Error
	if !errors.As(err, &be) || be.Code != ipc.CodeInternal {
		t.Fatalf("err = %v, want %s", err, ipc.CodeInternal)
	}
}

func TestSysStatus(t *testing.T) {
	t.Parallel()

	a := testApp(t, nil)
	out, err := invoke(t, a, "sys.status", "")
	if err != nil {
		t.Fatalf("sys.status: %v", err)
	}
	var st sysStatus
	if err := json.Unmarshal(out, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Version != "test" || st.DeviceID != "dev-test" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Plugins != nil {
		t.Fatalf("plugins reported without a catalog")
	}
}

func TestUIEventsDroppedWithoutNotifier(t *testing.T) {
	t.Parallel()

	a := testApp(t, nil)
	// Must not panic.
	a.notify("plugin.output", map[string]any{"x": 1})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Config: &config.Config{}})
	if err == nil {
		t.Fatalf("expected error for invalid config")
	}
}

func TestStateFilesLandUnderStateDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := testApp(t, func(cfg *config.Config) { cfg.StateDir = dir })
	if _, err := invoke(t, a, "auth.save", `{"access_token":"tok"}`); err != nil {
		t.Fatalf("auth.save: %v", err)
	}
	if a.stateDir != dir {
		t.Fatalf("stateDir = %q, want %q", a.stateDir, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "credentials.json")); err != nil {
		t.Fatalf("credential file not under state dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "history.db")); err != nil {
		t.Fatalf("history db not under state dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "audit", "boundary.jsonl")); err != nil {
		t.Fatalf("audit log not under state dir: %v", err)
	}
}
