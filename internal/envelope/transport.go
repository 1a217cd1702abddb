package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transport is an http.RoundTripper that seals outgoing bodies and opens
// sealed responses. Every request carries HeaderEncrypted and
// HeaderEncryptResponse; a response that was asked to be encrypted but
// arrives without HeaderEncrypted is a hard failure, never a plaintext
// fallback.
type Transport struct {
	codec     *Codec
	activeKid string
	base      http.RoundTripper
}

func NewTransport(codec *Codec, activeKid string, base http.RoundTripper) (*Transport, error) {
	if codec == nil {
		return nil, fmt.Errorf("envelope: nil codec")
	}
	activeKid = strings.TrimSpace(activeKid)
	if _, ok := codec.keys[activeKid]; !ok {
		return nil, fmt.Errorf("envelope: active kid %q: %w", activeKid, ErrUnknownKid)
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{codec: codec, activeKid: activeKid, base: base}, nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var plaintext []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("envelope: read request body: %w", err)
		}
		plaintext = b
	}

	rid := uuid.NewString()
	env, err := t.codec.EncodeRequest(plaintext, RequestBinding{
		Kid:    t.activeKid,
		TS:     time.Now().UnixMilli(),
		RID:    rid,
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.RawQuery,
	})
	if err != nil {
		return nil, fmt.Errorf("envelope: seal request: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal request: %w", err)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.Header = req.Header.Clone()
	out.Header.Set("Content-Type", "application/json")
	out.Header.Set(HeaderEncrypted, "1")
	out.Header.Set(HeaderEncryptResponse, "1")

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(resp.Header.Get(HeaderEncrypted)) != "1" {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("envelope: response not encrypted: %w", ErrDecodeFailed)
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("envelope: read response body: %w", err)
	}
	var respEnv Envelope
	if err := json.Unmarshal(raw, &respEnv); err != nil {
		return nil, fmt.Errorf("envelope: malformed response: %w", ErrDecodeFailed)
	}
	opened, err := t.codec.DecodeResponse(&respEnv, rid, resp.StatusCode)
	if err != nil {
		return nil, err
	}

	resp.Body = io.NopCloser(bytes.NewReader(opened))
	resp.ContentLength = int64(len(opened))
	resp.Header.Del(HeaderEncrypted)
	return resp, nil
}
