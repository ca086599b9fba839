package crypto

import "errors"

var (
	// ErrInvalidParameters is returned for domain parameters that are too
	// small or not well formed.
	ErrInvalidParameters = errors.New("crypto: invalid domain parameters")

	// ErrInvalidPeerKey is returned when a peer's public value is not a
	// valid element for the configured parameters.
	ErrInvalidPeerKey = errors.New("crypto: invalid peer public key")

	// ErrDecryptionFailure is the single opaque error returned by a failed
	// decryption. It never says whether the key or the data was wrong.
	ErrDecryptionFailure = errors.New("crypto: message authentication failed")

	// ErrChannelNotEstablished is returned when a Channel is used before a
	// session key exists or after it was closed.
	ErrChannelNotEstablished = errors.New("crypto: secure channel not established")
)
