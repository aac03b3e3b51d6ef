package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// DefaultKeyName is the single key record used for payload encryption.
const DefaultKeyName = "payload-key"

// hkdfInfo binds derived keys to their purpose so the installation secret can
// later serve other derivations without key reuse.
const hkdfInfo = "floorsync payload encryption v1"

// ErrKeyNotFound is returned when the named key record does not exist.
var ErrKeyNotFound = errors.New("secure: key not found")

// Keystore holds named key records. Implementations must be safe for
// concurrent use.
type Keystore interface {
	Store(name string, secret []byte) error
	Retrieve(name string) ([]byte, error)
	Delete(name string) error
}

// FileKeystore stores key records as files under a directory, mode 0600.
type FileKeystore struct {
	dir string
}

// NewFileKeystore creates the keystore directory if needed.
func NewFileKeystore(dir string) (*FileKeystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("secure: create keystore dir: %w", err)
	}
	return &FileKeystore{dir: dir}, nil
}

func (k *FileKeystore) path(name string) string {
	return filepath.Join(k.dir, name+".key")
}

// Store writes the secret for name, replacing any existing record.
func (k *FileKeystore) Store(name string, secret []byte) error {
	if err := os.WriteFile(k.path(name), secret, 0600); err != nil {
		return fmt.Errorf("secure: store key %q: %w", name, err)
	}
	return nil
}

// Retrieve reads the secret for name.
func (k *FileKeystore) Retrieve(name string) ([]byte, error) {
	data, err := os.ReadFile(k.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("secure: retrieve key %q: %w", name, err)
	}
	return data, nil
}

// Delete removes the secret for name. Deleting a missing record is a no-op.
func (k *FileKeystore) Delete(name string) error {
	if err := os.Remove(k.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("secure: delete key %q: %w", name, err)
	}
	return nil
}

// LoadCipher retrieves the installation secret from the keystore, generating
// and persisting one on first use, and derives the payload encryption key via
// HKDF-SHA256. Loss of the keystore makes previously sealed payloads
// permanently unreadable; callers surface those records as lost rather than
// guessing at recovery.
func LoadCipher(ks Keystore, name string) (*Cipher, error) {
	secret, err := ks.Retrieve(name)
	if errors.Is(err, ErrKeyNotFound) {
		secret = make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return nil, fmt.Errorf("secure: generate installation secret: %w", err)
		}
		if err := ks.Store(name, secret); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secure: derive key: %w", err)
	}
	return NewCipher(key)
}
