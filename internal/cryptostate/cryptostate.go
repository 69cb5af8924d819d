// Package cryptostate implements the operator-side encrypted state store
// described in §9: authenticated symmetric encryption keyed from an
// operator-provided secret, with a random salt and nonce per encryption.
// The Fernet-equivalent authenticated-encryption path is treated as the
// intended design; the XOR-based envelope mentioned in the original source
// is rejected for not meeting the authenticity requirement (see
// DESIGN.md).
package cryptostate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

// ErrDecryption is returned when a ciphertext fails to authenticate,
// whether due to corruption or a mismatched key. It is never silently
// recovered (§9).
var ErrDecryption = errors.New("cryptostate: decryption failed")

// Store encrypts and decrypts arbitrary JSON-serializable payloads under
// operator-supplied key material.
type Store struct {
	keyMaterial []byte
}

// New returns a Store keyed from keyMaterial, the raw secret the operator
// provides out-of-band via DEBUG_SERVER_STATE_ENCRYPTION_KEY.
func New(keyMaterial string) *Store {
	return &Store{keyMaterial: []byte(keyMaterial)}
}

// Envelope is the on-disk/on-wire encrypted form: a random salt used to
// derive the per-message key via HKDF, a random nonce, and the GCM
// ciphertext (which includes the authentication tag).
type Envelope struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Save encrypts payload (marshaled as JSON) and returns its envelope.
func (s *Store) Save(payload map[string]any) (Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Envelope{}, fmt.Errorf("generate salt: %w", err)
	}

	key, err := s.deriveKey(salt)
	if err != nil {
		return Envelope{}, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return Envelope{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Load decrypts an envelope and returns the original payload. Any key
// mismatch or corruption surfaces as ErrDecryption.
func (s *Store) Load(env Envelope) (map[string]any, error) {
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, ErrDecryption
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, ErrDecryption
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrDecryption
	}

	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}

	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal decrypted payload: %w", err)
	}
	return payload, nil
}

func (s *Store) deriveKey(salt []byte) ([]byte, error) {
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, s.keyMaterial, salt, []byte("debugserver-cryptostate"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
