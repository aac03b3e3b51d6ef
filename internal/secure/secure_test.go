package secure

import (
	"bytes"
	"errors"
	"testing"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, KeySize)
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := testCipher(t)

	payloads := [][]byte{
		[]byte(`{"panel_id":"P-1042","station":"paint"}`),
		[]byte(""),
		bytes.Repeat([]byte{0x00}, 4096),
	}

	for _, plaintext := range payloads {
		envelope, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		got, err := c.Decrypt(envelope)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestCipher_FreshNoncePerCall(t *testing.T) {
	c := testCipher(t)

	a, err := c.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := c.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced identical envelopes")
	}
}

func TestCipher_TamperDetection(t *testing.T) {
	c := testCipher(t)

	envelope, err := c.Encrypt([]byte(`{"order":"WO-88","qty":12}`))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Flip one byte at every position; decryption must fail every time.
	for i := range envelope {
		tampered := make([]byte, len(envelope))
		copy(tampered, envelope)
		tampered[i] ^= 0x01

		if _, err := c.Decrypt(tampered); err == nil {
			t.Fatalf("tampering byte %d went undetected", i)
		} else if !IsDecryptionError(err) {
			t.Fatalf("tampering byte %d: got %v, want DecryptionError", i, err)
		}
	}
}

func TestCipher_Truncated(t *testing.T) {
	c := testCipher(t)

	if _, err := c.Decrypt([]byte{envelopeVersion, 0x01}); !IsDecryptionError(err) {
		t.Errorf("truncated envelope: got %v, want DecryptionError", err)
	}
	if _, err := c.Decrypt(nil); !IsDecryptionError(err) {
		t.Errorf("nil envelope: got %v, want DecryptionError", err)
	}
}

func TestNewCipher_RejectsBadKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("got %v, want ErrInvalidKeySize", err)
	}
}

func TestFileKeystore_StoreRetrieveDelete(t *testing.T) {
	ks, err := NewFileKeystore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKeystore failed: %v", err)
	}

	if _, err := ks.Retrieve("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}

	secret := []byte("installation-secret-0123456789ab")
	if err := ks.Store("k1", secret); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := ks.Retrieve("k1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("Retrieve got %q, want %q", got, secret)
	}

	if err := ks.Delete("k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := ks.Delete("k1"); err != nil {
		t.Errorf("double Delete should be a no-op, got %v", err)
	}
	if _, err := ks.Retrieve("k1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("after delete: got %v, want ErrKeyNotFound", err)
	}
}

func TestLoadCipher_GeneratesOnceAndReuses(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeystore(dir)
	if err != nil {
		t.Fatalf("NewFileKeystore failed: %v", err)
	}

	c1, err := LoadCipher(ks, DefaultKeyName)
	if err != nil {
		t.Fatalf("first LoadCipher failed: %v", err)
	}

	envelope, err := c1.Encrypt([]byte("persisted across restarts"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// A second load from the same keystore must derive the same key.
	c2, err := LoadCipher(ks, DefaultKeyName)
	if err != nil {
		t.Fatalf("second LoadCipher failed: %v", err)
	}
	got, err := c2.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt with reloaded key failed: %v", err)
	}
	if string(got) != "persisted across restarts" {
		t.Errorf("got %q", got)
	}
}

func TestLoadCipher_KeyLossMakesDataUnreadable(t *testing.T) {
	ks, err := NewFileKeystore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKeystore failed: %v", err)
	}

	c1, err := LoadCipher(ks, DefaultKeyName)
	if err != nil {
		t.Fatalf("LoadCipher failed: %v", err)
	}
	envelope, err := c1.Encrypt([]byte("sealed under the lost key"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if err := ks.Delete(DefaultKeyName); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// A fresh install secret is generated; the old envelope must not open.
	c2, err := LoadCipher(ks, DefaultKeyName)
	if err != nil {
		t.Fatalf("LoadCipher after key loss failed: %v", err)
	}
	if _, err := c2.Decrypt(envelope); !IsDecryptionError(err) {
		t.Errorf("got %v, want DecryptionError after key loss", err)
	}
}
