// Package secrets encrypts small credentials at rest with AES-256-GCM.
// Blobs are nonce||ciphertext; a fresh random nonce is generated per call.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// ErrInvalidKey is returned when the key is not 32 bytes.
var ErrInvalidKey = errors.New("secrets: key must be 32 bytes")

// ErrMalformed is returned when a blob is too short or fails authentication.
var ErrMalformed = errors.New("secrets: malformed or tampered blob")

// Cipher seals and opens secret blobs with a single symmetric key.
// Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into a self-contained blob.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(blob) < ns+c.aead.Overhead() {
		return nil, ErrMalformed
	}

	plaintext, err := c.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, ErrMalformed
	}

	return plaintext, nil
}
