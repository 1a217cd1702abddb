// Package plugin loads reviewed, hash-pinned plugin packages and runs them
// inside an isolated goja interpreter.
//
// The sandbox exposes a single host object with at most four functions
// (addMenuItem, onMenuClick, say, suggestion), each present only when the
// manifest grants the matching capability. There is no module system, no
// process, no filesystem and no network reachable from plugin code; probing
// for them observes plain `undefined`.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"

	"github.com/plumeapp/plume-desktop/internal/auditlog"
)

var (
	// ErrHashMismatch means the code blob does not match the reviewed
	// manifest. Installation is refused outright.
	ErrHashMismatch = errors.New("plugin: code hash mismatch")

	// ErrNotInCatalog means (id, version) has no reviewed manifest.
	ErrNotInCatalog = errors.New("plugin: not in catalog")

	// ErrNotRunning is returned by operations that require a running
	// plugin (e.g. menu click dispatch).
	ErrNotRunning = errors.New("plugin: not running")
)

type State string

const (
	StateStopped State = "stopped"
	StateLoading State = "loading"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// MenuItem is one menu contribution from the running plugin.
type MenuItem struct {
	PluginID string `json:"pluginId"`
	ID       string `json:"id"`
	Label    string `json:"label"`
}

// OutputEvent is a one-way notification from sandboxed code to the host UI.
type OutputEvent struct {
	Type     string `json:"type"` // "say" | "suggestion"
	PluginID string `json:"pluginId"`
	Text     string `json:"text"`
}

// Status is the side-effect-free snapshot returned to UI surfaces.
type Status struct {
	// Enabled is the effective state: local toggle AND remote kill switch.
	Enabled          bool       `json:"enabled"`
	Running          bool       `json:"running"`
	State            State      `json:"state"`
	InstalledID      string     `json:"installedId,omitempty"`
	InstalledVersion string     `json:"installedVersion,omitempty"`
	MenuItems        []MenuItem `json:"menuItems"`
	LastError        string     `json:"lastError,omitempty"`
}

const (
	defaultCallbackTimeout = 2 * time.Second
	maxMenuItems           = 32
	maxOutputText          = 8 << 10
)

var errTimeout = errors.New("plugin: execution time limit exceeded")

type Options struct {
	Logger  *slog.Logger
	Catalog *Catalog
	Audit   *auditlog.Store

	// RemoteEnabled reports the kill-switch value. Nil means "no remote
	// veto received yet", which is treated as disabled.
	RemoteEnabled func() bool

	// Sink receives output events. Called outside the runtime lock.
	Sink func(OutputEvent)

	// CallbackTimeout bounds plugin load and callback execution.
	CallbackTimeout time.Duration
}

// Runtime owns all mutable plugin state: exactly one component writes
// PluginRuntimeStatus, and every transition goes through its methods.
type Runtime struct {
	log     *slog.Logger
	catalog *Catalog
	audit   *auditlog.Store
	remote  func() bool
	sink    func(OutputEvent)
	timeout time.Duration

	mu           sync.Mutex
	localEnabled bool
	state        State
	installed    *InstalledRef
	vm           *goja.Runtime
	handlers     map[string]goja.Callable
	menu         []MenuItem
	lastError    string

	// pending buffers output events emitted while the lock is held; they
	// are flushed to the sink after the triggering call returns.
	pending []OutputEvent
}

func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Catalog == nil {
		return nil, errors.New("plugin: missing catalog")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.CallbackTimeout
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	return &Runtime{
		log:     logger,
		catalog: opts.Catalog,
		audit:   opts.Audit,
		remote:  opts.RemoteEnabled,
		sink:    opts.Sink,
		timeout: timeout,
		state:   StateStopped,
	}, nil
}

// SetEnabled records the local intent. The plugin actually runs only while
// both the local toggle and the remote kill switch are on.
func (r *Runtime) SetEnabled(enabled bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.localEnabled = enabled
	r.reconcileLocked()
	out := r.takePendingLocked()
	r.mu.Unlock()
	r.flush(out)
}

// RemoteChanged re-evaluates the effective state after a kill-switch
// snapshot change. Wired to the flag poller's change callback.
func (r *Runtime) RemoteChanged() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.reconcileLocked()
	out := r.takePendingLocked()
	r.mu.Unlock()
	r.flush(out)
}

// Install verifies (id, version) against the catalog and its pinned sha256,
// replacing any previously installed plugin. If the runtime is effectively
// enabled the new plugin starts immediately.
func (r *Runtime) Install(ctx context.Context, id, version string) error {
	if r == nil {
		return errors.New("plugin: nil runtime")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m, ok := r.catalog.Find(id, version)
	if !ok {
		return fmt.Errorf("%w: %s@%s", ErrNotInCatalog, id, version)
	}
	src, err := r.catalog.ReadVerified(m)
	if err != nil {
		r.appendAudit("plugin_install", "failed", err.Error(), id)
		return err
	}

	r.mu.Lock()
	r.stopLocked("replaced")
	r.installed = &InstalledRef{Manifest: *m, SHA256: m.SHA256, Source: src}
	r.lastError = ""
	r.reconcileLocked()
	out := r.takePendingLocked()
	r.mu.Unlock()
	r.flush(out)

	r.appendAudit("plugin_install", "allowed", "", id)
	return nil
}

// Stop tears the running plugin down. Safe and idempotent in any state.
func (r *Runtime) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stopLocked("stopped")
	r.mu.Unlock()
}

// Status is side-effect-free.
func (r *Runtime) Status() Status {
	if r == nil {
		return Status{State: StateStopped, MenuItems: []MenuItem{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Enabled:   r.effectiveEnabledLocked(),
		Running:   r.state == StateRunning,
		State:     r.state,
		MenuItems: append([]MenuItem{}, r.menu...),
		LastError: r.lastError,
	}
	if r.installed != nil {
		st.InstalledID = r.installed.Manifest.ID
		st.InstalledVersion = r.installed.Manifest.Version
	}
	return st
}

// ClickMenuItem dispatches a click to the plugin's registered handler. It is
// an error, never a crash, when the plugin is not running or the item has no
// handler.
func (r *Runtime) ClickMenuItem(pluginID, itemID string) error {
	if r == nil {
		return errors.New("plugin: nil runtime")
	}
	r.mu.Lock()

	if r.state != StateRunning || r.installed == nil || r.installed.Manifest.ID != strings.TrimSpace(pluginID) {
		r.mu.Unlock()
		return ErrNotRunning
	}
	fn, ok := r.handlers[strings.TrimSpace(itemID)]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin: no handler for menu item %q", itemID)
	}

	err := r.runGuardedLocked(func() error {
		_, callErr := fn(goja.Undefined(), r.vm.ToValue(itemID))
		return callErr
	})
	if err != nil {
		r.failLocked(err)
	}
	out := r.takePendingLocked()
	r.mu.Unlock()
	r.flush(out)

	if err != nil {
		return fmt.Errorf("plugin: menu handler: %w", err)
	}
	return nil
}

// --- internal transitions (r.mu held) ---

func (r *Runtime) effectiveEnabledLocked() bool {
	return r.localEnabled && r.remote != nil && r.remote()
}

func (r *Runtime) reconcileLocked() {
	// Transitions happen only on explicit toggle, install or remote-flag
	// change, so retrying a FAILED plugin here is deliberate: a kill-switch
	// flap must not brick the plugin permanently.
	effective := r.effectiveEnabledLocked()
	switch {
	case effective && r.installed != nil && r.state != StateRunning:
		r.startLocked()
	case !effective && (r.state == StateRunning || r.state == StateLoading):
		r.stopLocked("disabled")
	}
}

func (r *Runtime) startLocked() {
	if r.installed == nil {
		return
	}
	r.state = StateLoading
	r.menu = nil
	r.handlers = make(map[string]goja.Callable)

	vm := goja.New()
	r.vm = vm
	if err := r.installAPILocked(vm, &r.installed.Manifest); err != nil {
		r.failLocked(err)
		return
	}

	err := r.runGuardedLocked(func() error {
		_, runErr := vm.RunScript(r.installed.Manifest.ID, r.installed.Source)
		return runErr
	})
	if err != nil {
		r.failLocked(err)
		return
	}

	r.state = StateRunning
	r.lastError = ""
	r.log.Info("plugin running",
		"plugin_id", r.installed.Manifest.ID,
		"version", r.installed.Manifest.Version,
		"menu_items", len(r.menu),
	)
}

func (r *Runtime) stopLocked(reason string) {
	if r.state != StateRunning && r.state != StateLoading {
		// Already stopped/failed; clearing again is harmless.
		r.menu = nil
		r.handlers = nil
		r.vm = nil
		return
	}
	id := ""
	if r.installed != nil {
		id = r.installed.Manifest.ID
	}
	r.state = StateStopped
	r.menu = nil
	r.handlers = nil
	r.vm = nil
	r.log.Info("plugin stopped", "plugin_id", id, "reason", reason)
}

func (r *Runtime) failLocked(err error) {
	id := ""
	if r.installed != nil {
		id = r.installed.Manifest.ID
	}
	r.state = StateFailed
	r.lastError = err.Error()
	r.menu = nil
	r.handlers = nil
	r.vm = nil
	r.log.Warn("plugin failed", "plugin_id", id, "error", err)
	r.appendAudit("plugin_failed", "failed", err.Error(), id)
}

// runGuardedLocked executes fn with a watchdog: if the plugin does not
// return within the callback budget the interpreter is interrupted and the
// plugin is treated as hung.
func (r *Runtime) runGuardedLocked(fn func() error) error {
	vm := r.vm
	timer := time.AfterFunc(r.timeout, func() {
		vm.Interrupt(errTimeout)
	})
	err := fn()
	timer.Stop()
	vm.ClearInterrupt()

	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return errTimeout
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("uncaught exception: %s", exc.Value().String())
	}
	return err
}

// installAPILocked builds the host object. Functions for ungranted
// capabilities are never attached, so plugin code cannot even name them.
// The closures below run while r.mu is held and must not re-lock.
func (r *Runtime) installAPILocked(vm *goja.Runtime, m *Manifest) error {
	pluginID := m.ID
	api := vm.NewObject()

	if m.Has(CapabilityMenu) {
		if err := api.Set("addMenuItem", func(item map[string]any) error {
			id, _ := item["id"].(string)
			label, _ := item["label"].(string)
			id = strings.TrimSpace(id)
			label = strings.TrimSpace(label)
			if id == "" || label == "" {
				return errors.New("addMenuItem: id and label are required")
			}
			if len(r.menu) >= maxMenuItems {
				return errors.New("addMenuItem: menu item limit reached")
			}
			for _, it := range r.menu {
				if it.ID == id {
					return fmt.Errorf("addMenuItem: duplicate id %q", id)
				}
			}
			r.menu = append(r.menu, MenuItem{PluginID: pluginID, ID: id, Label: label})
			return nil
		}); err != nil {
			return err
		}

		if err := api.Set("onMenuClick", func(id string, cb goja.Value) error {
			id = strings.TrimSpace(id)
			if id == "" {
				return errors.New("onMenuClick: id is required")
			}
			fn, ok := goja.AssertFunction(cb)
			if !ok {
				return errors.New("onMenuClick: handler must be a function")
			}
			r.handlers[id] = fn
			return nil
		}); err != nil {
			return err
		}
	}

	if m.Has(CapabilityEmitOutput) {
		emit := func(typ string) func(string) error {
			return func(text string) error {
				text = strings.TrimSpace(text)
				if text == "" {
					return fmt.Errorf("%s: text is required", typ)
				}
				text = truncateOnRuneBoundary(text, maxOutputText)
				r.pending = append(r.pending, OutputEvent{Type: typ, PluginID: pluginID, Text: text})
				return nil
			}
		}
		if err := api.Set("say", emit("say")); err != nil {
			return err
		}
		if err := api.Set("suggestion", emit("suggestion")); err != nil {
			return err
		}
	}

	return vm.Set("plume", api)
}

func (r *Runtime) takePendingLocked() []OutputEvent {
	out := r.pending
	r.pending = nil
	return out
}

func (r *Runtime) flush(events []OutputEvent) {
	if r.sink == nil {
		return
	}
	for _, ev := range events {
		r.sink(ev)
	}
}

// truncateOnRuneBoundary caps text at max bytes without splitting a
// multi-byte rune.
func truncateOnRuneBoundary(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func (r *Runtime) appendAudit(action, status, errMsg, pluginID string) {
	if r.audit == nil {
		return
	}
	r.audit.Append(auditlog.Entry{
		Action:   action,
		Status:   status,
		Error:    errMsg,
		PluginID: pluginID,
	})
}
