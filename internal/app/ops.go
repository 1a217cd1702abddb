package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/plumeapp/plume-desktop/internal/credentials"
	"github.com/plumeapp/plume-desktop/internal/diag"
	"github.com/plumeapp/plume-desktop/internal/ipc"
	"github.com/plumeapp/plume-desktop/internal/plugin"
	"github.com/plumeapp/plume-desktop/internal/protocol"
)

// registerOps installs every privileged operation on the gateway. This is the
// complete privileged surface; anything not registered here does not exist as
// far as UI surfaces are concerned.
func (a *App) registerOps() {
	g := a.gateway

	g.Register("auth.save", a.opAuthSave)
	g.Register("auth.load", a.opAuthLoad)
	g.Register("auth.clear", a.opAuthClear)

	g.Register("plugin.install", a.opPluginInstall)
	g.Register("plugin.set_enabled", a.opPluginSetEnabled)
	g.Register("plugin.status", a.opPluginStatus)
	g.Register("plugin.click_menu_item", a.opPluginClickMenuItem)

	g.Register("session.open", a.opSessionOpen)
	g.Register("session.send", a.opSessionSend)
	g.Register("session.interrupt", a.opSessionInterrupt)
	g.Register("session.close", a.opSessionClose)

	g.Register("sys.status", a.opSysStatus)
}

// --- auth ---

func (a *App) opAuthSave(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.AccessToken) == "" {
		return nil, ipc.Errf(ipc.CodeBadArgs, "missing access_token")
	}
	err := a.creds.Save(ctx, credentials.Credential{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
	})
	if errors.Is(err, credentials.ErrSecureStorageUnavailable) {
		return nil, ipc.Errf(ipc.CodeSecureStorageUnavailable, "secure storage unavailable; credentials not saved")
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}

// opAuthLoad reports credential presence only. Raw tokens never cross the
// gateway; the app attaches them to outbound requests itself.
func (a *App) opAuthLoad(ctx context.Context, args json.RawMessage) (any, error) {
	cred, err := a.creds.Load(ctx)
	if errors.Is(err, credentials.ErrSecureStorageUnavailable) {
		return nil, ipc.Errf(ipc.CodeSecureStorageUnavailable, "secure storage unavailable")
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"present":     cred != nil,
		"has_refresh": cred != nil && strings.TrimSpace(cred.RefreshToken) != "",
	}, nil
}

func (a *App) opAuthClear(ctx context.Context, args json.RawMessage) (any, error) {
	if err := a.creds.Clear(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}

// --- plugin ---

func (a *App) pluginRuntime() (*plugin.Runtime, error) {
	if a.plugins == nil {
		return nil, ipc.Errf(ipc.CodePluginNotRunning, "plugin support unavailable")
	}
	return a.plugins, nil
}

func (a *App) opPluginInstall(ctx context.Context, args json.RawMessage) (any, error) {
	rt, err := a.pluginRuntime()
	if err != nil {
		return nil, err
	}
	var in struct {
		ID      string `json:"id"`
		Version string `json:"version"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	switch err := rt.Install(ctx, in.ID, in.Version); {
	case errors.Is(err, plugin.ErrHashMismatch):
		return nil, ipc.Errf(ipc.CodePluginHashMismatch, "plugin %s@%s: code does not match catalog hash", in.ID, in.Version)
	case errors.Is(err, plugin.ErrNotInCatalog):
		return nil, ipc.Errf(ipc.CodeBadArgs, "plugin %s@%s not in catalog", in.ID, in.Version)
	case err != nil:
		return nil, ipc.Errf(ipc.CodePluginRuntimeError, "install %s@%s: %v", in.ID, in.Version, err)
	}
	return rt.Status(), nil
}

func (a *App) opPluginSetEnabled(ctx context.Context, args json.RawMessage) (any, error) {
	rt, err := a.pluginRuntime()
	if err != nil {
		return nil, err
	}
	var in struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	rt.SetEnabled(in.Enabled)
	return rt.Status(), nil
}

func (a *App) opPluginStatus(ctx context.Context, args json.RawMessage) (any, error) {
	rt, err := a.pluginRuntime()
	if err != nil {
		return nil, err
	}
	return rt.Status(), nil
}

func (a *App) opPluginClickMenuItem(ctx context.Context, args json.RawMessage) (any, error) {
	rt, err := a.pluginRuntime()
	if err != nil {
		return nil, err
	}
	var in struct {
		PluginID string `json:"plugin_id"`
		ItemID   string `json:"item_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	switch err := rt.ClickMenuItem(in.PluginID, in.ItemID); {
	case errors.Is(err, plugin.ErrNotRunning):
		return nil, ipc.Errf(ipc.CodePluginNotRunning, "plugin %s is not running", in.PluginID)
	case err != nil:
		return nil, ipc.Errf(ipc.CodePluginRuntimeError, "menu item %s/%s: %v", in.PluginID, in.ItemID, err)
	}
	return map[string]any{"ok": true}, nil
}

// --- session ---

// sessionSink bridges one protocol client to the UI notifier.
type sessionSink struct {
	app    *App
	saveID string
}

func (s *sessionSink) OnState(state protocol.ConnState) {
	s.app.notify("session.state", map[string]any{"save_id": s.saveID, "state": state})
}

func (s *sessionSink) OnToken(messageID string, tokenIndex int, text string) {
	s.app.notify("session.token", map[string]any{
		"save_id": s.saveID, "message_id": messageID, "token_index": tokenIndex, "text": text,
	})
}

func (s *sessionSink) OnDone(messageID string, interrupted bool) {
	s.app.notify("session.done", map[string]any{
		"save_id": s.saveID, "message_id": messageID, "interrupted": interrupted,
	})
}

func (s *sessionSink) OnEvent(f *protocol.Frame) {
	s.app.notify("session.event", map[string]any{
		"save_id": s.saveID, "type": f.Type, "seq": f.Seq, "payload": f.Payload,
	})
}

func (a *App) opSessionOpen(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		SaveID string `json:"save_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	saveID := strings.TrimSpace(in.SaveID)
	if saveID == "" {
		return nil, ipc.Errf(ipc.CodeBadArgs, "missing save_id")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runCtx == nil {
		return nil, ipc.Errf(ipc.CodeInternal, "app not running")
	}
	if s, ok := a.sessions[saveID]; ok {
		return map[string]any{"save_id": saveID, "state": s.client.State(), "last_ack": s.client.LastAck()}, nil
	}

	client, err := protocol.NewClient(protocol.Options{
		Logger:   a.log,
		URL:      a.cfg.GatewayWSURL,
		SaveID:   saveID,
		DeviceID: a.cfg.DeviceID,
		Sink:     &sessionSink{app: a, saveID: saveID},
		Store:    a.history,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(a.runCtx)
	s := &activeSession{client: client, cancel: cancel, done: make(chan struct{})}
	a.sessions[saveID] = s
	go func() {
		defer close(s.done)
		err := client.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, protocol.ErrClosed) {
			a.log.Warn("session ended", "save_id", saveID, "error", err)
		}
		a.mu.Lock()
		if a.sessions[saveID] == s {
			delete(a.sessions, saveID)
		}
		a.mu.Unlock()
	}()

	return map[string]any{"save_id": saveID, "state": client.State(), "last_ack": client.LastAck()}, nil
}

func (a *App) session(saveID string) (*activeSession, error) {
	saveID = strings.TrimSpace(saveID)
	if saveID == "" {
		return nil, ipc.Errf(ipc.CodeBadArgs, "missing save_id")
	}
	a.mu.Lock()
	s, ok := a.sessions[saveID]
	a.mu.Unlock()
	if !ok {
		return nil, ipc.Errf(ipc.CodeBadArgs, "no open session for save %s", saveID)
	}
	return s, nil
}

func (a *App) opSessionSend(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		SaveID string `json:"save_id"`
		Text   string `json:"text"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	s, err := a.session(in.SaveID)
	if err != nil {
		return nil, err
	}
	rid, err := s.client.Send(in.Text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"client_request_id": rid}, nil
}

func (a *App) opSessionInterrupt(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		SaveID string `json:"save_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	s, err := a.session(in.SaveID)
	if err != nil {
		return nil, err
	}
	if err := s.client.Interrupt(); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (a *App) opSessionClose(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		SaveID string `json:"save_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	s, err := a.session(in.SaveID)
	if err != nil {
		return nil, err
	}

	s.client.Close()
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		a.log.Warn("session close timed out", "save_id", in.SaveID)
	}

	a.mu.Lock()
	if a.sessions[strings.TrimSpace(in.SaveID)] == s {
		delete(a.sessions, strings.TrimSpace(in.SaveID))
	}
	a.mu.Unlock()
	return map[string]any{"closed": true}, nil
}

// --- sys ---

type sysStatus struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	DeviceID  string `json:"device_id"`

	System diag.Snapshot `json:"system"`

	Plugins *plugin.Status `json:"plugins,omitempty"`

	Sessions map[string]string `json:"sessions"`

	RemoteFlagsFetchedAtMs int64 `json:"remote_flags_fetched_at_ms,omitempty"`
}

func (a *App) opSysStatus(ctx context.Context, args json.RawMessage) (any, error) {
	out := sysStatus{
		Version:   a.version,
		Commit:    a.commit,
		BuildTime: a.buildTime,
		DeviceID:  a.cfg.DeviceID,
		System:    a.diag.Snapshot(ctx),
		Sessions:  make(map[string]string),
	}
	if a.plugins != nil {
		st := a.plugins.Status()
		out.Plugins = &st
	}
	if a.poller != nil {
		if at := a.poller.Snapshot().FetchedAt; !at.IsZero() {
			out.RemoteFlagsFetchedAtMs = at.UnixMilli()
		}
	}
	a.mu.Lock()
	for saveID, s := range a.sessions {
		out.Sessions[saveID] = string(s.client.State())
	}
	a.mu.Unlock()
	return out, nil
}
