package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Capability is one enumerated permission a plugin may declare. Anything not
// granted is simply absent from the sandbox API: the plugin cannot even
// obtain a reference to the gated function.
type Capability string

const (
	// CapabilityMenu allows contributing menu items and receiving clicks.
	CapabilityMenu Capability = "menu"
	// CapabilityEmitOutput allows say/suggestion output events.
	CapabilityEmitOutput Capability = "emit_output"
)

func knownCapability(c Capability) bool {
	switch c {
	case CapabilityMenu, CapabilityEmitOutput:
		return true
	}
	return false
}

// Manifest describes one reviewed plugin build. Immutable once approved;
// identified by (id, version). SHA256 pins the exact code blob the review
// covered.
type Manifest struct {
	ID          string       `yaml:"id"`
	Version     string       `yaml:"version"`
	Name        string       `yaml:"name"`
	Permissions []Capability `yaml:"permissions"`
	SHA256      string       `yaml:"sha256"`
	// Entry is the code blob path, relative to the catalog file.
	Entry string `yaml:"entry"`
}

func (m *Manifest) Has(c Capability) bool {
	if m == nil {
		return false
	}
	for _, p := range m.Permissions {
		if p == c {
			return true
		}
	}
	return false
}

func (m *Manifest) validate() error {
	if m == nil {
		return errors.New("nil manifest")
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("missing id")
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("plugin %s: missing version", m.ID)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("plugin %s: missing name", m.ID)
	}
	if len(strings.TrimSpace(m.SHA256)) != hex.EncodedLen(sha256.Size) {
		return fmt.Errorf("plugin %s: sha256 must be %d hex chars", m.ID, hex.EncodedLen(sha256.Size))
	}
	if _, err := hex.DecodeString(m.SHA256); err != nil {
		return fmt.Errorf("plugin %s: sha256 not hex: %w", m.ID, err)
	}
	if strings.TrimSpace(m.Entry) == "" {
		return fmt.Errorf("plugin %s: missing entry", m.ID)
	}
	if filepath.IsAbs(m.Entry) || strings.Contains(m.Entry, "..") {
		return fmt.Errorf("plugin %s: entry must be a plain relative path", m.ID)
	}
	for _, p := range m.Permissions {
		if !knownCapability(p) {
			return fmt.Errorf("plugin %s: unknown capability %q", m.ID, p)
		}
	}
	return nil
}

// InstalledRef is the verified, currently installed plugin: manifest fields
// plus the hash actually computed over the loaded blob.
type InstalledRef struct {
	Manifest Manifest
	SHA256   string
	Source   string
}

// Catalog is the set of reviewed manifests shipped with the app
// (catalog.yaml next to the plugin blobs).
type Catalog struct {
	dir     string
	entries []Manifest
}

type catalogFile struct {
	Plugins []Manifest `yaml:"plugins"`
}

func LoadCatalog(path string) (*Catalog, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("plugin: missing catalog path")
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var cf catalogFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return nil, fmt.Errorf("plugin: parse catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(cf.Plugins))
	for i := range cf.Plugins {
		m := &cf.Plugins[i]
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("plugin: invalid catalog: %w", err)
		}
		key := m.ID + "@" + m.Version
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("plugin: duplicate catalog entry %s", key)
		}
		seen[key] = struct{}{}
	}

	return &Catalog{dir: filepath.Dir(p), entries: cf.Plugins}, nil
}

// Find returns the manifest for (id, version).
func (c *Catalog) Find(id, version string) (*Manifest, bool) {
	if c == nil {
		return nil, false
	}
	id = strings.TrimSpace(id)
	version = strings.TrimSpace(version)
	for i := range c.entries {
		if c.entries[i].ID == id && c.entries[i].Version == version {
			m := c.entries[i]
			return &m, true
		}
	}
	return nil, false
}

// ReadVerified loads the manifest's code blob and checks it against the
// declared sha256. A mismatch is a hard failure.
func (c *Catalog) ReadVerified(m *Manifest) (string, error) {
	if c == nil || m == nil {
		return "", errors.New("plugin: nil catalog/manifest")
	}
	path := filepath.Join(c.dir, filepath.Clean(m.Entry))
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, strings.TrimSpace(m.SHA256)) {
		return "", fmt.Errorf("%w: %s@%s", ErrHashMismatch, m.ID, m.Version)
	}
	return string(b), nil
}
