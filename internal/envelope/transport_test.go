package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestCodec builds a codec with fresh random key material so two calls
// never share a key.
func newTestCodec(t *testing.T, kid string) *Codec {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	c, err := NewCodec(map[string][]byte{kid: key})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

// sealedEchoServer decodes the request envelope and returns the plaintext
// reversed, sealed into a response envelope bound to the request rid.
func sealedEchoServer(t *testing.T, codec *Codec, kid string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderEncrypted) != "1" {
			t.Errorf("request missing %s header", HeaderEncrypted)
		}
		raw, _ := io.ReadAll(r.Body)
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Errorf("malformed request envelope: %v", err)
			return
		}
		plain, err := codec.DecodeRequest(&env, r.Method, r.URL.Path, r.URL.RawQuery)
		if err != nil {
			t.Errorf("server decode: %v", err)
			return
		}
		rev := make([]byte, len(plain))
		for i, b := range plain {
			rev[len(plain)-1-i] = b
		}
		out, err := codec.EncodeResponse(rev, ResponseBinding{
			Kid: kid, TS: time.Now().UnixMilli(), RID: env.RID, Status: http.StatusOK,
		})
		if err != nil {
			t.Errorf("server seal: %v", err)
			return
		}
		b, _ := json.Marshal(out)
		w.Header().Set(HeaderEncrypted, "1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}))
}

func TestTransportRoundTrip(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, "k1")
	srv := sealedEchoServer(t, codec, "k1")
	defer srv.Close()

	tr, err := NewTransport(codec, "k1", nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := &http.Client{Transport: tr}

	resp, err := client.Post(srv.URL+"/v1/echo?x=1", "application/json", bytes.NewReader([]byte("abc")))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "cba" {
		t.Fatalf("body = %q, want %q", got, "cba")
	}
	if resp.Header.Get(HeaderEncrypted) != "" {
		t.Fatalf("decoded response still carries %s", HeaderEncrypted)
	}
}

func TestTransportRejectsPlaintextResponse(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, "k1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Server ignores the encryption contract and answers in the clear.
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr, err := NewTransport(codec, "k1", nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := &http.Client{Transport: tr}

	_, err = client.Post(srv.URL+"/v1/echo", "application/json", bytes.NewReader([]byte("abc")))
	if err == nil || !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("err = %v, want ErrDecodeFailed", err)
	}
}

func TestTransportRejectsTamperedResponse(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, "k1")
	other := newTestCodec(t, "k1") // different key material, same kid

	// The server reads requests fine; only its response key is wrong, as if
	// the reply were forged or corrupted in flight.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Errorf("malformed request envelope: %v", err)
			return
		}
		if _, err := codec.DecodeRequest(&env, r.Method, r.URL.Path, r.URL.RawQuery); err != nil {
			t.Errorf("server decode: %v", err)
			return
		}
		out, err := other.EncodeResponse([]byte("forged"), ResponseBinding{
			Kid: "k1", TS: time.Now().UnixMilli(), RID: env.RID, Status: http.StatusOK,
		})
		if err != nil {
			t.Errorf("server seal: %v", err)
			return
		}
		b, _ := json.Marshal(out)
		w.Header().Set(HeaderEncrypted, "1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	tr, err := NewTransport(codec, "k1", nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := &http.Client{Transport: tr}

	_, err = client.Post(srv.URL+"/v1/echo", "application/json", bytes.NewReader([]byte("abc")))
	if err == nil || !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("err = %v, want ErrDecodeFailed", err)
	}
}

func TestTransportUnknownActiveKid(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, "k1")
	if _, err := NewTransport(codec, "nope", nil); !errors.Is(err, ErrUnknownKid) {
		t.Fatalf("err = %v, want ErrUnknownKid", err)
	}
}
