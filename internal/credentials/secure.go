package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"golang.org/x/crypto/hkdf"
)

// SecureStorage is the platform primitive that seals token material at rest.
//
// Available must be cheap and honest: returning true implies Encrypt/Decrypt
// will actually protect the value. The store treats false as "refuse to
// persist" when enforcement is on.
type SecureStorage interface {
	Available() bool
	Encrypt(plaintext []byte) (string, error)
	Decrypt(sealed string) ([]byte, error)
}

const (
	machineKeyAppID = "com.plumeapp.plume-desktop"
	machineKeyInfo  = "plume-desktop credential sealing v1"
)

var errSealedMalformed = errors.New("credentials: sealed value malformed")

// MachineSecureStorage seals values with AES-256-GCM under a key derived
// from the OS machine id (HMAC-protected so the raw id never appears in the
// key schedule). Ciphertexts only open on the machine that produced them.
type MachineSecureStorage struct {
	once sync.Once
	key  []byte
	err  error
}

func NewMachineSecureStorage() *MachineSecureStorage {
	return &MachineSecureStorage{}
}

func (m *MachineSecureStorage) init() {
	m.once.Do(func() {
		id, err := machineid.ProtectedID(machineKeyAppID)
		if err != nil {
			m.err = err
			return
		}
		id = strings.TrimSpace(id)
		if id == "" {
			m.err = errors.New("credentials: empty machine id")
			return
		}
		r := hkdf.New(sha256.New, []byte(id), nil, []byte(machineKeyInfo))
		key := make([]byte, 32)
		if _, err := io.ReadFull(r, key); err != nil {
			m.err = err
			return
		}
		m.key = key
	})
}

func (m *MachineSecureStorage) Available() bool {
	if m == nil {
		return false
	}
	m.init()
	return m.err == nil
}

func (m *MachineSecureStorage) Encrypt(plaintext []byte) (string, error) {
	aead, err := m.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (m *MachineSecureStorage) Decrypt(sealed string) ([]byte, error) {
	aead, err := m.aead()
	if err != nil {
		return nil, err
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, errSealedMalformed
	}
	if len(raw) < aead.NonceSize() {
		return nil, errSealedMalformed
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errSealedMalformed
	}
	return pt, nil
}

func (m *MachineSecureStorage) aead() (cipher.AEAD, error) {
	if m == nil {
		return nil, errors.New("credentials: nil secure storage")
	}
	m.init()
	if m.err != nil {
		return nil, m.err
	}
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
