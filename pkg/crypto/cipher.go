package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// NonceSize is the AES-GCM nonce length prepended to every ciphertext.
const NonceSize = 12

// NewAESGCM creates a new AES-GCM cipher instance from a 32-byte key.
func NewAESGCM(key *SessionKey) (cipher.AEAD, error) {
	// AES-256 is used because our key is 32 bytes.
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("could not create new aes cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("could not create new gcm cipher: %w", err)
	}

	return aead, nil
}

// Channel performs authenticated encryption under one session key. Each
// ciphertext is laid out as nonce || sealed(plaintext).
type Channel struct {
	mu     sync.RWMutex
	aead   cipher.AEAD
	random io.Reader
}

// NewChannel builds a channel from a derived session key. The caller may
// zero the key once this returns.
func NewChannel(key *SessionKey) (*Channel, error) {
	return newChannel(key, rand.Reader)
}

func newChannel(key *SessionKey, random io.Reader) (*Channel, error) {
	if key == nil {
		return nil, ErrChannelNotEstablished
	}
	aead, err := NewAESGCM(key)
	if err != nil {
		return nil, err
	}
	return &Channel{aead: aead, random: random}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	if c == nil {
		return nil, ErrChannelNotEstablished
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.aead == nil {
		return nil, ErrChannelNotEstablished
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.random, out); err != nil {
		return nil, fmt.Errorf("could not generate nonce: %w", err)
	}
	return c.aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Decrypt splits off the nonce and opens the ciphertext. Any failure is
// reported as ErrDecryptionFailure.
func (c *Channel) Decrypt(frame []byte) ([]byte, error) {
	if c == nil {
		return nil, ErrChannelNotEstablished
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.aead == nil {
		return nil, ErrChannelNotEstablished
	}

	if len(frame) < NonceSize+c.aead.Overhead() {
		return nil, ErrDecryptionFailure
	}
	plaintext, err := c.aead.Open(nil, frame[:NonceSize], frame[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return plaintext, nil
}

// Close drops the cipher state. Further use returns ErrChannelNotEstablished.
func (c *Channel) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.aead = nil
	c.mu.Unlock()
}
