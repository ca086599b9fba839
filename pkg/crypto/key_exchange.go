// Package crypto provides the cryptographic primitives for LanChat: the
// Diffie-Hellman key exchange, session key derivation and the AES-GCM
// secure channel.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// KeyPair is an ephemeral Diffie-Hellman key pair. A new pair is generated
// for every session and destroyed when the session ends.
type KeyPair struct {
	params  DomainParameters
	private *big.Int
	public  *big.Int
}

// GenerateKeyPair draws a private scalar uniformly from [2, p-2] and
// computes the matching public value g^x mod p.
func GenerateKeyPair(random io.Reader, params DomainParameters) (*KeyPair, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if random == nil {
		random = rand.Reader
	}

	// rand.Int returns [0, p-3), shifting by two gives [2, p-2].
	limit := new(big.Int).Sub(params.P, big.NewInt(3))
	x, err := rand.Int(random, limit)
	if err != nil {
		return nil, fmt.Errorf("could not generate private key: %w", err)
	}
	x.Add(x, two)

	y := new(big.Int).Exp(params.G, x, params.P)
	return &KeyPair{params: params, private: x, public: y}, nil
}

// Public returns a copy of the shareable public value.
func (kp *KeyPair) Public() *big.Int {
	if kp == nil || kp.public == nil {
		return nil
	}
	return new(big.Int).Set(kp.public)
}

// EncodedPublic returns the public value in its wire encoding.
func (kp *KeyPair) EncodedPublic() string {
	return EncodePublicValue(kp.params, kp.public)
}

// Params returns the group the pair was generated in.
func (kp *KeyPair) Params() DomainParameters {
	return kp.params
}

// ComputeSharedSecret combines the local private scalar with the peer's
// public value. The result is left-padded to the modulus length and must be
// fed straight into DeriveSessionKey, never stored or sent.
func (kp *KeyPair) ComputeSharedSecret(peer *big.Int) ([]byte, error) {
	if kp == nil || kp.private == nil || kp.private.Sign() == 0 {
		return nil, fmt.Errorf("%w: local key pair destroyed", ErrInvalidPeerKey)
	}
	if err := ValidatePublicValue(kp.params, peer); err != nil {
		return nil, err
	}

	z := new(big.Int).Exp(peer, kp.private, kp.params.P)
	defer zeroInt(z)

	// A peer value in a tiny subgroup collapses the secret to 1 or p-1.
	pMinus1 := new(big.Int).Sub(kp.params.P, one)
	if z.Cmp(one) == 0 || z.Cmp(pMinus1) == 0 {
		return nil, fmt.Errorf("%w: degenerate shared secret", ErrInvalidPeerKey)
	}

	return z.FillBytes(make([]byte, kp.params.ByteLen())), nil
}

// Destroy wipes the private scalar. The pair cannot be used afterwards.
func (kp *KeyPair) Destroy() {
	if kp == nil {
		return
	}
	zeroInt(kp.private)
	kp.private = nil
}

// ValidatePublicValue rejects values outside [2, p-2].
func ValidatePublicValue(params DomainParameters, y *big.Int) error {
	if y == nil {
		return fmt.Errorf("%w: missing value", ErrInvalidPeerKey)
	}
	pMinus2 := new(big.Int).Sub(params.P, two)
	if y.Cmp(two) < 0 || y.Cmp(pMinus2) > 0 {
		return fmt.Errorf("%w: value out of range", ErrInvalidPeerKey)
	}
	return nil
}

// EncodePublicValue serialises y as big-endian bytes padded to the modulus
// length, in standard base64.
func EncodePublicValue(params DomainParameters, y *big.Int) string {
	buf := y.FillBytes(make([]byte, params.ByteLen()))
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodePublicValue parses and validates a peer's encoded public value.
func DecodePublicValue(params DomainParameters, s string) (*big.Int, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrInvalidPeerKey)
	}
	if len(raw) != params.ByteLen() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPeerKey, len(raw), params.ByteLen())
	}

	y := new(big.Int).SetBytes(raw)
	if err := ValidatePublicValue(params, y); err != nil {
		return nil, err
	}
	return y, nil
}

func zeroInt(x *big.Int) {
	if x == nil {
		return
	}
	words := x.Bits()
	for i := range words {
		words[i] = 0
	}
	x.SetInt64(0)
}
