package kvstore

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypted wraps a Store so values are sealed with XChaCha20-Poly1305
// before they reach the underlying medium. Keys stay in the clear so List
// and namespacing keep working; only values are protected.
type Encrypted struct {
	inner Store
	key   []byte
}

// NewEncrypted wraps inner with a 32-byte encryption key.
func NewEncrypted(inner Store, key []byte) (*Encrypted, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &Encrypted{inner: inner, key: key}, nil
}

func (e *Encrypted) Get(key string) ([]byte, error) {
	sealed, err := e.inner.Get(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := e.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decryption failed for %q: %w", key, err)
	}
	return plaintext, nil
}

func (e *Encrypted) Set(key string, value []byte) error {
	sealed, err := e.seal(value)
	if err != nil {
		return fmt.Errorf("encryption failed for %q: %w", key, err)
	}
	return e.inner.Set(key, sealed)
}

func (e *Encrypted) Delete(key string) error { return e.inner.Delete(key) }

func (e *Encrypted) List(prefix string) ([]string, error) { return e.inner.List(prefix) }

func (e *Encrypted) Close() error { return e.inner.Close() }

// seal encrypts plaintext and prepends the random nonce.
func (e *Encrypted) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *Encrypted) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
}
