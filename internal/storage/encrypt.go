package storage

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Encryption errors.
var (
	ErrKeyLength        = errors.New("storage: encryption key must be 32 bytes")
	ErrDecryptionFailed = errors.New("storage: decryption failed - wrong key or corrupted record")
)

// Argon2id parameters for deriving a record key from a passphrase.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = chacha20poly1305.KeySize
)

// Cipher seals and opens persisted party records. A nil *Cipher is a valid
// no-op passthrough.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	c := &Cipher{key: make([]byte, len(key))}
	copy(c.key, key)
	return c, nil
}

// NewCipherFromPassphrase derives the key with Argon2id. The salt must be
// stable across restarts; the store persists it alongside the data.
func NewCipherFromPassphrase(passphrase string, salt []byte) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("storage: empty passphrase")
	}
	if len(salt) == 0 {
		return nil, errors.New("storage: empty salt")
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return &Cipher{key: key}, nil
}

// NewSalt generates a random key-derivation salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("storage: generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext. The random nonce is prepended to the box.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if c == nil {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("storage: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed record.
func (c *Cipher) Open(box []byte) ([]byte, error) {
	if c == nil {
		return box, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(box) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := box[:aead.NonceSize()], box[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
