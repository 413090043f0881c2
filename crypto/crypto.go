// Package crypto encrypts documents at rest, primarily the broadcaster's credential
// record. It uses AES-256-GCM and wraps ciphertext in a small JSON envelope so a
// reader can tell a sealed document from a plaintext one.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Algorithm is the envelope tag for AES-256-GCM sealed documents.
const Algorithm = "aes-256-gcm"

// ErrNotSealed is returned by Open for data that is not an envelope.
var ErrNotSealed = errors.New("document is not sealed")

// Encryptor provides authenticated encryption.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM.
// Output layout is nonce || ciphertext || tag.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		// no detail: do not leak why authentication failed
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

type envelope struct {
	Alg  string `json:"alg"`
	Data string `json:"data"`
}

// Seal encrypts doc and returns a JSON envelope.
func Seal(enc Encryptor, doc []byte) ([]byte, error) {
	ct, err := enc.Encrypt(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Alg: Algorithm, Data: base64.StdEncoding.EncodeToString(ct)})
}

// IsSealed reports whether data is an envelope produced by Seal.
func IsSealed(data []byte) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.Alg == Algorithm && env.Data != ""
}

// Open reverses Seal. It returns ErrNotSealed when data is a plain document.
func Open(enc Encryptor, data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Alg != Algorithm || env.Data == "" {
		return nil, ErrNotSealed
	}
	ct, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}
	return enc.Decrypt(ct)
}
