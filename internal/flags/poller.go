// Package flags polls the remote feature-flag endpoint consumed by the
// plugin runtime's kill switch.
//
// The poller only maintains a snapshot; it never starts or stops plugin
// execution itself. Keeping the runtime as the single writer of plugin state
// means there is exactly one place to ask "why is the plugin running or
// not".
package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultInterval = 60 * time.Second
	maxBodyBytes    = 1 << 20
)

// Snapshot is the last successfully fetched remote flag state. Before any
// successful fetch PluginsEnabled is false: absence of a guarantee fails
// toward disabled.
type Snapshot struct {
	PluginsEnabled bool
	FetchedAt      time.Time
}

type remoteFlags struct {
	PluginsEnabled bool `json:"pluginsEnabled"`
}

type Options struct {
	Logger *slog.Logger
	// URL is the remote flag endpoint.
	URL string
	// Interval between fetches. <= 0 uses the default.
	Interval time.Duration
	// Client overrides the HTTP client (tests).
	Client *http.Client
}

type Poller struct {
	log      *slog.Logger
	url      string
	interval time.Duration
	client   *http.Client

	mu   sync.Mutex
	snap Snapshot

	onChange func(Snapshot)
}

func NewPoller(opts Options) (*Poller, error) {
	u := strings.TrimSpace(opts.URL)
	if u == "" {
		return nil, errors.New("flags: missing URL")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{
		log:      logger,
		url:      u,
		interval: interval,
		client:   client,
	}, nil
}

// OnChange registers a callback fired (outside the poller's lock) whenever a
// fetch lands a snapshot whose PluginsEnabled differs from the previous one.
// Must be called before Run.
func (p *Poller) OnChange(fn func(Snapshot)) {
	if p == nil {
		return
	}
	p.onChange = fn
}

// Snapshot returns the current remote flag snapshot.
func (p *Poller) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Run fetches once immediately, then on the fixed interval until ctx is
// done. Fetch failures keep the last-known snapshot.
func (p *Poller) Run(ctx context.Context) error {
	if p == nil {
		return errors.New("flags: nil poller")
	}

	p.pollOnce(ctx)

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	rf, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Warn("remote flag fetch failed; keeping last snapshot", "error", err)
		return
	}

	next := Snapshot{PluginsEnabled: rf.PluginsEnabled, FetchedAt: time.Now()}

	p.mu.Lock()
	changed := p.snap.FetchedAt.IsZero() || p.snap.PluginsEnabled != next.PluginsEnabled
	p.snap = next
	p.mu.Unlock()

	if changed {
		p.log.Info("remote flags updated", "plugins_enabled", next.PluginsEnabled)
		if p.onChange != nil {
			p.onChange(next)
		}
	}
}

func (p *Poller) fetch(ctx context.Context) (*remoteFlags, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	var rf remoteFlags
	if err := json.Unmarshal(b, &rf); err != nil {
		return nil, err
	}
	return &rf, nil
}
