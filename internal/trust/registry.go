package trust

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
)

// Sender is the opaque token identifying one caller context (a window or
// frame the host itself created). Tokens are minted exactly once, at context
// creation time, by the process that owns the privileged surface. Nothing a
// caller sends can turn an unknown token into a trusted one.
type Sender string

// Prefix returns a short non-secret prefix for logs and audit entries.
func (s Sender) Prefix() string {
	v := strings.TrimSpace(string(s))
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

// Registry is the process-wide allow-list of trusted caller contexts.
type Registry struct {
	mu      sync.Mutex
	senders map[Sender]struct{}
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[Sender]struct{})}
}

// Register mints a fresh sender token and records it as trusted. Called by
// the host exactly once per created window/frame, never on behalf of a
// caller-supplied value.
func (r *Registry) Register() Sender {
	// crypto/rand.Read never returns an error and always fills b.
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	s := Sender(hex.EncodeToString(b))

	r.mu.Lock()
	r.senders[s] = struct{}{}
	r.mu.Unlock()
	return s
}

// IsTrusted reports whether the sender was registered by this process.
func (r *Registry) IsTrusted(s Sender) bool {
	if r == nil {
		return false
	}
	if strings.TrimSpace(string(s)) == "" {
		return false
	}
	r.mu.Lock()
	_, ok := r.senders[s]
	r.mu.Unlock()
	return ok
}

// Revoke removes a sender when its window/frame is destroyed. Revoking an
// unknown sender is a no-op.
func (r *Registry) Revoke(s Sender) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.senders, s)
	r.mu.Unlock()
}
