// Package credentials persists the user's access/refresh tokens with
// fail-closed secure-storage enforcement: if the platform cannot guarantee
// at-rest encryption and enforcement is on, nothing is written at all. A
// plaintext fallback that the user never asked for is worse than a failed
// login.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrSecureStorageUnavailable is returned by Save when the platform
// primitive reports unavailable and enforcement is on.
var ErrSecureStorageUnavailable = errors.New("credentials: secure storage unavailable")

// Credential is the in-memory (always plaintext) token pair.
type Credential struct {
	AccessToken  string
	RefreshToken string
}

// record is the on-disk shape. When Secure is true the token fields hold
// sealed ciphertext; when false they hold raw tokens (unenforced fallback,
// a documented risk surface).
type record struct {
	Secure       bool   `json:"secure"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type Options struct {
	Logger *slog.Logger
	// Path is the credential file location (e.g. <state>/credentials.json).
	Path string
	// Storage is the platform sealing primitive. Nil means unavailable.
	Storage SecureStorage
	// Enforce makes Save fail-closed when Storage is unavailable.
	Enforce bool
}

// Store is the process-wide credential store. Mutations replace the whole
// record atomically so an interrupted save can never leave a half-written
// credential behind.
type Store struct {
	log     *slog.Logger
	path    string
	storage SecureStorage
	enforce bool

	mu sync.Mutex
}

func NewStore(opts Options) (*Store, error) {
	path := filepath.Clean(strings.TrimSpace(opts.Path))
	if path == "" || path == "." {
		return nil, errors.New("credentials: missing path")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		log:     logger,
		path:    path,
		storage: opts.Storage,
		enforce: opts.Enforce,
	}, nil
}

// Save persists the credential, sealing the token fields when secure storage
// is available. With enforcement on and secure storage unavailable it fails
// with ErrSecureStorageUnavailable and writes nothing.
func (s *Store) Save(ctx context.Context, cred Credential) error {
	if s == nil {
		return errors.New("credentials: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// The refresh token is optional: some auth flows issue access-only
	// credentials.
	if strings.TrimSpace(cred.AccessToken) == "" {
		return errors.New("credentials: missing access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	available := s.storage != nil && s.storage.Available()
	if !available {
		if s.enforce {
			return ErrSecureStorageUnavailable
		}
		s.log.Warn("secure storage unavailable; persisting credential unsealed")
		return s.writeLocked(record{
			Secure:       false,
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
		})
	}

	access, err := s.storage.Encrypt([]byte(cred.AccessToken))
	if err != nil {
		return err
	}
	var refresh string
	if cred.RefreshToken != "" {
		refresh, err = s.storage.Encrypt([]byte(cred.RefreshToken))
		if err != nil {
			return err
		}
	}
	return s.writeLocked(record{
		Secure:       true,
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

// Load returns the stored credential, or nil when logged out. A record that
// is malformed or fails to unseal is deleted, not resurrected: the caller
// sees a clean logged-out state instead of a corrupt one.
func (s *Store) Load(ctx context.Context) (*Credential, error) {
	if s == nil {
		return nil, errors.New("credentials: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		s.dropLocked("unparseable")
		return nil, nil
	}
	if strings.TrimSpace(rec.AccessToken) == "" {
		s.dropLocked("missing access token")
		return nil, nil
	}

	if !rec.Secure {
		return &Credential{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken}, nil
	}

	if s.storage == nil {
		s.dropLocked("sealed record without storage")
		return nil, nil
	}
	access, err := s.storage.Decrypt(rec.AccessToken)
	if err != nil {
		s.dropLocked("unseal access token")
		return nil, nil
	}
	var refresh []byte
	if rec.RefreshToken != "" {
		refresh, err = s.storage.Decrypt(rec.RefreshToken)
		if err != nil {
			s.dropLocked("unseal refresh token")
			return nil, nil
		}
	}
	return &Credential{AccessToken: string(access), RefreshToken: string(refresh)}, nil
}

// Clear removes the stored credential. Clearing an absent record is a no-op.
func (s *Store) Clear(ctx context.Context) error {
	if s == nil {
		return errors.New("credentials: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) dropLocked(reason string) {
	s.log.Warn("dropping invalid credential record", "reason", reason)
	_ = os.Remove(s.path)
}

func (s *Store) writeLocked(rec record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
