package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
)

const (
	// MinPrimeBits is the smallest modulus accepted for a DH group.
	MinPrimeBits = 2048

	// ParametersPEMType is the PEM block type used to persist parameters.
	ParametersPEMType = "DH PARAMETERS"
)

// rfc3526Group14 is the 2048-bit MODP group from RFC 3526, section 3.
const rfc3526Group14 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// DomainParameters are the public prime and generator of a finite-field
// Diffie-Hellman group. Both peers must use identical values.
type DomainParameters struct {
	P *big.Int
	G *big.Int
}

// pkcs3 mirrors the DHParameter structure from PKCS #3.
type pkcs3 struct {
	P *big.Int
	G *big.Int
}

// DefaultParameters returns the bundled RFC 3526 2048-bit group with g = 2.
func DefaultParameters() DomainParameters {
	p, _ := new(big.Int).SetString(rfc3526Group14, 16)
	return DomainParameters{P: p, G: big.NewInt(2)}
}

// Validate checks that the parameters are usable for key agreement.
func (d DomainParameters) Validate() error {
	if d.P == nil || d.G == nil {
		return fmt.Errorf("%w: missing prime or generator", ErrInvalidParameters)
	}
	if d.P.BitLen() < MinPrimeBits {
		return fmt.Errorf("%w: prime is %d bits, need at least %d", ErrInvalidParameters, d.P.BitLen(), MinPrimeBits)
	}
	if d.P.Bit(0) == 0 {
		return fmt.Errorf("%w: prime is even", ErrInvalidParameters)
	}
	pMinus2 := new(big.Int).Sub(d.P, big.NewInt(2))
	if d.G.Cmp(big.NewInt(2)) < 0 || d.G.Cmp(pMinus2) > 0 {
		return fmt.Errorf("%w: generator out of range", ErrInvalidParameters)
	}
	return nil
}

// ByteLen is the length of the prime in bytes. Public values and shared
// secrets are always serialised to this length.
func (d DomainParameters) ByteLen() int {
	return (d.P.BitLen() + 7) / 8
}

// Equal reports whether both parameter sets describe the same group.
func (d DomainParameters) Equal(o DomainParameters) bool {
	if d.P == nil || d.G == nil || o.P == nil || o.G == nil {
		return false
	}
	return d.P.Cmp(o.P) == 0 && d.G.Cmp(o.G) == 0
}

// Fingerprint is a short hex digest of the DER encoding, sent alongside key
// exchanges so mismatched groups are detected instead of silently producing
// different keys.
func (d DomainParameters) Fingerprint() string {
	der, err := asn1.Marshal(pkcs3{P: d.P, G: d.G})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}

// MarshalPEM encodes the parameters as a PKCS #3 "DH PARAMETERS" block.
func (d DomainParameters) MarshalPEM() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	der, err := asn1.Marshal(pkcs3{P: d.P, G: d.G})
	if err != nil {
		return nil, fmt.Errorf("could not encode parameters: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: ParametersPEMType, Bytes: der}), nil
}

// ParseParametersPEM decodes parameters written by MarshalPEM.
func ParseParametersPEM(data []byte) (DomainParameters, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != ParametersPEMType {
		return DomainParameters{}, fmt.Errorf("%w: no %q block found", ErrInvalidParameters, ParametersPEMType)
	}

	var raw pkcs3
	rest, err := asn1.Unmarshal(block.Bytes, &raw)
	if err != nil {
		return DomainParameters{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if len(rest) != 0 {
		return DomainParameters{}, fmt.Errorf("%w: trailing data after parameters", ErrInvalidParameters)
	}

	d := DomainParameters{P: raw.P, G: raw.G}
	if err := d.Validate(); err != nil {
		return DomainParameters{}, err
	}
	return d, nil
}

// GenerateParameters searches for a fresh safe prime p = 2q + 1 of the
// requested size and pairs it with generator 2. This takes from seconds to
// minutes; onAttempt, if set, is called after every rejected candidate.
func GenerateParameters(ctx context.Context, random io.Reader, bits int, onAttempt func()) (DomainParameters, error) {
	if bits < MinPrimeBits {
		return DomainParameters{}, fmt.Errorf("%w: %d bits requested, need at least %d", ErrInvalidParameters, bits, MinPrimeBits)
	}
	p, err := safePrime(ctx, random, bits, onAttempt)
	if err != nil {
		return DomainParameters{}, err
	}
	return DomainParameters{P: p, G: big.NewInt(2)}, nil
}

func safePrime(ctx context.Context, random io.Reader, bits int, onAttempt func()) (*big.Int, error) {
	if random == nil {
		random = rand.Reader
	}
	one := big.NewInt(1)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q, err := rand.Prime(random, bits-1)
		if err != nil {
			return nil, fmt.Errorf("could not generate prime: %w", err)
		}

		p := new(big.Int).Lsh(q, 1)
		p.Add(p, one)
		if p.BitLen() == bits && p.ProbablyPrime(20) {
			return p, nil
		}
		if onAttempt != nil {
			onAttempt()
		}
	}
}
