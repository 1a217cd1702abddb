// Package envelope implements the application-level authenticated encryption
// layer used to wrap REST bodies above TLS.
//
// The codec is stateless given a key-by-kid map. Binding the HTTP method,
// path and query into the request AAD ties a ciphertext to the exact
// endpoint it was produced for, so a captured body cannot be replayed
// against a different route.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Version is the envelope format version.
	Version = 1

	// Alg is the only supported AEAD algorithm.
	Alg = "A256GCM"

	nonceSize = 12
	keySize   = 32

	typReq  = "req"
	typResp = "resp"
)

// Transport header contract: a request opts into app-level encryption by
// setting HeaderEncrypted; the server encrypts the response only when the
// request additionally set HeaderEncryptResponse.
const (
	HeaderEncrypted       = "X-Plume-Encrypted"
	HeaderEncryptResponse = "X-Plume-Encrypt-Response"
)

var (
	// ErrDecodeFailed covers every decode failure: unknown kid, rid
	// mismatch, malformed fields, and tag verification failure. The codec
	// never falls back to treating the payload as plaintext.
	ErrDecodeFailed = errors.New("envelope: decode failed")

	// ErrUnknownKid is wrapped into ErrDecodeFailed on decode but returned
	// directly from Encode, where the caller picked the kid.
	ErrUnknownKid = errors.New("envelope: unknown kid")
)

// Envelope is the wire shape of one encrypted payload. Binary fields are
// base64 (std, unpadded) in JSON.
type Envelope struct {
	V     int    `json:"v"`
	Typ   string `json:"typ"`
	Alg   string `json:"alg"`
	Kid   string `json:"kid"`
	TS    int64  `json:"ts"`
	RID   string `json:"rid"`
	Nonce string `json:"nonce"`
	CT    string `json:"ct"` // ciphertext || 16-byte GCM tag
}

// RequestBinding is the context a request ciphertext is bound to.
type RequestBinding struct {
	Kid    string
	TS     int64
	RID    string
	Method string
	Path   string
	Query  string
}

// ResponseBinding is the context a response ciphertext is bound to. RID must
// equal the RID of the originating request.
type ResponseBinding struct {
	Kid    string
	TS     int64
	RID    string
	Status int
}

// Codec holds the currently valid symmetric keys. Multiple kids may be valid
// at once so keys can rotate without downtime; key provisioning itself is
// outside the codec.
type Codec struct {
	keys map[string][]byte
}

func NewCodec(keys map[string][]byte) (*Codec, error) {
	if len(keys) == 0 {
		return nil, errors.New("envelope: no keys")
	}
	out := make(map[string][]byte, len(keys))
	for kid, k := range keys {
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("envelope: empty kid")
		}
		if len(k) != keySize {
			return nil, fmt.Errorf("envelope: key %q must be %d bytes, got %d", kid, keySize, len(k))
		}
		kc := make([]byte, keySize)
		copy(kc, k)
		out[kid] = kc
	}
	return &Codec{keys: out}, nil
}

// Kids returns the currently valid key ids (order unspecified).
func (c *Codec) Kids() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.keys))
	for kid := range c.keys {
		out = append(out, kid)
	}
	return out
}

// EncodeRequest seals plaintext into a request envelope.
func (c *Codec) EncodeRequest(plaintext []byte, b RequestBinding) (*Envelope, error) {
	aad := requestAAD(b)
	return c.seal(plaintext, b.Kid, b.TS, b.RID, typReq, aad)
}

// EncodeResponse seals plaintext into a response envelope. Used by tests and
// by any locally-served encrypted endpoint.
func (c *Codec) EncodeResponse(plaintext []byte, b ResponseBinding) (*Envelope, error) {
	aad := responseAAD(b)
	return c.seal(plaintext, b.Kid, b.TS, b.RID, typResp, aad)
}

// DecodeResponse opens a response envelope. The binding supplies the
// expected RID (from the originating request) and status; the envelope's own
// kid/ts are used for the AAD, so any tampering with them fails the tag.
func (c *Codec) DecodeResponse(env *Envelope, expectRID string, status int) ([]byte, error) {
	if c == nil || env == nil {
		return nil, ErrDecodeFailed
	}
	if env.V != Version || env.Alg != Alg || env.Typ != typResp {
		return nil, ErrDecodeFailed
	}
	if strings.TrimSpace(expectRID) == "" || env.RID != expectRID {
		return nil, ErrDecodeFailed
	}
	aad := responseAAD(ResponseBinding{Kid: env.Kid, TS: env.TS, RID: env.RID, Status: status})
	return c.open(env, aad)
}

// DecodeRequest opens a request envelope given the HTTP context it claims to
// be bound to.
func (c *Codec) DecodeRequest(env *Envelope, method, path, query string) ([]byte, error) {
	if c == nil || env == nil {
		return nil, ErrDecodeFailed
	}
	if env.V != Version || env.Alg != Alg || env.Typ != typReq {
		return nil, ErrDecodeFailed
	}
	aad := requestAAD(RequestBinding{
		Kid:    env.Kid,
		TS:     env.TS,
		RID:    env.RID,
		Method: method,
		Path:   path,
		Query:  query,
	})
	return c.open(env, aad)
}

func (c *Codec) seal(plaintext []byte, kid string, ts int64, rid string, typ string, aad []byte) (*Envelope, error) {
	if c == nil {
		return nil, errors.New("envelope: nil codec")
	}
	kid = strings.TrimSpace(kid)
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKid, kid)
	}
	if strings.TrimSpace(rid) == "" {
		return nil, errors.New("envelope: missing rid")
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)

	return &Envelope{
		V:     Version,
		Typ:   typ,
		Alg:   Alg,
		Kid:   kid,
		TS:    ts,
		RID:   rid,
		Nonce: b64.EncodeToString(nonce),
		CT:    b64.EncodeToString(ct),
	}, nil
}

func (c *Codec) open(env *Envelope, aad []byte) ([]byte, error) {
	key, ok := c.keys[strings.TrimSpace(env.Kid)]
	if !ok {
		return nil, ErrDecodeFailed
	}
	nonce, err := b64.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrDecodeFailed
	}
	ct, err := b64.DecodeString(env.CT)
	if err != nil {
		return nil, ErrDecodeFailed
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrDecodeFailed
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrDecodeFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var b64 = base64.RawStdEncoding

// requestAAD builds the deterministic newline-joined AAD for a request.
// Field order is fixed and part of the wire contract.
func requestAAD(b RequestBinding) []byte {
	fields := []string{
		strconv.Itoa(Version),
		typReq,
		strings.TrimSpace(b.Kid),
		strconv.FormatInt(b.TS, 10),
		strings.TrimSpace(b.RID),
		strings.ToUpper(strings.TrimSpace(b.Method)),
		b.Path,
		b.Query,
	}
	return []byte(strings.Join(fields, "\n"))
}

func responseAAD(b ResponseBinding) []byte {
	fields := []string{
		strconv.Itoa(Version),
		typResp,
		strings.TrimSpace(b.Kid),
		strconv.FormatInt(b.TS, 10),
		strings.TrimSpace(b.RID),
		strconv.Itoa(b.Status),
	}
	return []byte(strings.Join(fields, "\n"))
}
