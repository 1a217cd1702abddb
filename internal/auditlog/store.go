package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(2 << 20) // 2 MiB
	defaultMaxBackups = 2
)

// Entry is one privileged-boundary event. The audit trail records every
// invoke that crossed the IPC gateway plus plugin lifecycle transitions.
//
// Entries must never contain token material or plugin source; Sender is a
// short non-secret prefix of the caller token.
type Entry struct {
	CreatedAt string `json:"created_at"`

	// Action is a stable identifier: the IPC operation name (e.g.
	// "plugin.install") or a runtime transition ("plugin_failed").
	Action string `json:"action"`

	// Status is "allowed", "rejected" or "failed".
	Status string `json:"status"`

	// Error is a human-readable summary (best-effort, non-secret).
	Error string `json:"error,omitempty"`

	Sender   string `json:"sender,omitempty"`
	PluginID string `json:"plugin_id,omitempty"`
	SaveID   string `json:"save_id,omitempty"`

	// Detail is a small action-specific object (avoid secrets).
	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// StateDir is the host state directory (e.g. ~/.plume-desktop).
	StateDir string

	// MaxBytes is the rotation threshold for the active file.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files.
	MaxBackups int
}

type Store struct {
	log *slog.Logger

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	dir := filepath.Join(stateDir, "audit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, "boundary.jsonl")
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append records one entry. Failures are logged, never propagated: auditing
// must not be able to veto the operation it describes.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "allowed"
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("auditlog append failed", "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&e); err != nil {
		s.log.Warn("auditlog encode failed", "error", err)
		return
	}

	s.rotateLocked()
}

// List returns up to limit entries, newest first, across the active file and
// rotated backups.
func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	s.mu.Lock()
	paths := append([]string{s.activePath}, s.rotatedNewestFirstLocked()...)
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range paths {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, limit-len(out))
		if err != nil {
			s.log.Warn("auditlog read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (s *Store) rotatedNewestFirstLocked() []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var rotated []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		name := ent.Name()
		// boundary-<unix_ms>.jsonl; UnixMilli sorts lexicographically.
		if strings.HasPrefix(name, "boundary-") && strings.HasSuffix(name, ".jsonl") {
			rotated = append(rotated, filepath.Join(s.dir, name))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(rotated)))
	return rotated
}

func (s *Store) rotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	dst := filepath.Join(s.dir, fmt.Sprintf("boundary-%d.jsonl", time.Now().UnixMilli()))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("auditlog rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	rotated := s.rotatedNewestFirstLocked()
	if len(rotated) <= s.maxBackups {
		return
	}
	for _, path := range rotated[s.maxBackups:] {
		_ = os.Remove(path)
	}
}

func readNewestFirst(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
