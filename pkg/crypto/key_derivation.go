package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of a session key (32 bytes / 256 bits).
const KeySize = 32

// SessionKeyInfo is the fixed HKDF context label. It binds derived keys to
// this protocol.
const SessionKeyInfo = "lanchat-p2p-chat-key-derivation-info"

// SessionKey is the symmetric key protecting one secure channel.
type SessionKey [KeySize]byte

// DeriveSessionKey runs HKDF-SHA256 over the shared secret with no salt and
// the SessionKeyInfo label.
func DeriveSessionKey(sharedSecret []byte) (*SessionKey, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("%w: empty shared secret", ErrInvalidPeerKey)
	}

	// Extract and expand in one reader; a nil salt means a zero-filled salt.
	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte(SessionKeyInfo))

	key := new(SessionKey)
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("could not derive session key: %w", err)
	}
	return key, nil
}

// ID is a short identifier for the key, safe to log and compare. It is a
// labelled hash and reveals nothing usable about the key itself.
func (k *SessionKey) ID() string {
	h := sha256.New()
	h.Write([]byte("lanchat-key-id"))
	h.Write(k[:])
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Zero wipes the key.
func (k *SessionKey) Zero() {
	if k == nil {
		return
	}
	for i := range k {
		k[i] = 0
	}
}
