// Package secure provides at-rest encryption for queued mutation payloads.
// Payloads are sealed with AES-256-GCM under a per-installation key held in a
// local keystore, so a stolen data directory does not expose pending work.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// envelopeVersion identifies the ciphertext envelope layout.
	envelopeVersion = 1
	// nonceSize is the standard GCM nonce size.
	nonceSize = 12
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
)

// ErrInvalidKeySize is returned when the key is not 32 bytes.
var ErrInvalidKeySize = errors.New("secure: key must be 32 bytes")

// DecryptionError indicates a ciphertext that could not be authenticated or
// parsed. It is deliberately distinct from business errors: callers quarantine
// the affected record instead of retrying it.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("secure: decrypt failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("secure: decrypt failed: %s", e.Reason)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// IsDecryptionError reports whether err is (or wraps) a DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// Cipher seals and opens payload envelopes. It is stateless per call and safe
// for concurrent use; the key is read-only after construction.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 256-bit key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secure: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secure: create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext into an envelope: version byte, fresh random nonce,
// then ciphertext with authentication tag. A nonce is never reused with the
// same key.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secure: generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+nonceSize+len(plaintext)+c.aead.Overhead())
	out = append(out, envelopeVersion)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens an envelope produced by Encrypt. Any tampering, truncation, or
// version mismatch yields a DecryptionError; corrupted data is never returned.
func (c *Cipher) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < 1+nonceSize+c.aead.Overhead() {
		return nil, &DecryptionError{Reason: "envelope too short"}
	}
	if envelope[0] != envelopeVersion {
		return nil, &DecryptionError{Reason: fmt.Sprintf("unsupported envelope version %d", envelope[0])}
	}

	nonce := envelope[1 : 1+nonceSize]
	ciphertext := envelope[1+nonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return plaintext, nil
}
