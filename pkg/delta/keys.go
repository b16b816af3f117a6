package delta

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Signature algorithms accepted for the authority key
const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

// ErrInvalidKey is returned for unusable authority keys
var ErrInvalidKey = errors.New("invalid authority key")

// AuthorityKey is the fixed public verification key of the health authority
type AuthorityKey struct {
	Alg string
	Raw []byte

	dilithium *mode3.PublicKey
}

// ParseAuthorityKey decodes "ed25519:<base64>" or "dilithium3:<base64>"
func ParseAuthorityKey(s string) (AuthorityKey, error) {
	alg, enc, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return AuthorityKey{}, fmt.Errorf("%w: expected <alg>:<base64>", ErrInvalidKey)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return AuthorityKey{}, fmt.Errorf("%w: bad base64: %v", ErrInvalidKey, err)
	}
	return NewAuthorityKey(alg, raw)
}

// NewAuthorityKey validates raw key bytes for alg
func NewAuthorityKey(alg string, raw []byte) (AuthorityKey, error) {
	switch alg {
	case AlgEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return AuthorityKey{}, fmt.Errorf("%w: ed25519 key must be %d bytes, got %d",
				ErrInvalidKey, ed25519.PublicKeySize, len(raw))
		}
		return AuthorityKey{Alg: alg, Raw: append([]byte(nil), raw...)}, nil
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return AuthorityKey{}, fmt.Errorf("%w: dilithium3: %v", ErrInvalidKey, err)
		}
		return AuthorityKey{Alg: alg, Raw: append([]byte(nil), raw...), dilithium: &pk}, nil
	default:
		return AuthorityKey{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKey, alg)
	}
}

// String returns the "<alg>:<base64>" form
func (k AuthorityKey) String() string {
	return k.Alg + ":" + base64.StdEncoding.EncodeToString(k.Raw)
}

// SignatureSize is the fixed signature length of the key's scheme
func (k AuthorityKey) SignatureSize() int {
	switch k.Alg {
	case AlgEd25519:
		return ed25519.SignatureSize
	case AlgDilithium3:
		return mode3.SignatureSize
	default:
		return 0
	}
}

// Verify checks sig over digest
func (k AuthorityKey) Verify(digest, sig []byte) bool {
	switch k.Alg {
	case AlgEd25519:
		return ed25519.Verify(ed25519.PublicKey(k.Raw), digest, sig)
	case AlgDilithium3:
		pk := k.dilithium
		if pk == nil {
			pk = new(mode3.PublicKey)
			if err := pk.UnmarshalBinary(k.Raw); err != nil {
				return false
			}
		}
		return mode3.Verify(pk, digest, sig)
	default:
		return false
	}
}

// Signer produces authority signatures. Nodes never sign; it serves
// authority tooling and tests.
type Signer struct {
	DigestAlg string

	ed25519Key   ed25519.PrivateKey
	dilithiumKey *mode3.PrivateKey
}

// NewEd25519Signer wraps an ed25519 private key
func NewEd25519Signer(priv ed25519.PrivateKey, digestAlg string) *Signer {
	return &Signer{DigestAlg: digestAlg, ed25519Key: priv}
}

// GenerateDilithium3Signer creates a fresh dilithium3 key pair
func GenerateDilithium3Signer(rand io.Reader, digestAlg string) (*Signer, AuthorityKey, error) {
	pub, priv, err := mode3.GenerateKey(rand)
	if err != nil {
		return nil, AuthorityKey{}, err
	}
	raw, err := pub.MarshalBinary()
	if err != nil {
		return nil, AuthorityKey{}, err
	}
	key, err := NewAuthorityKey(AlgDilithium3, raw)
	if err != nil {
		return nil, AuthorityKey{}, err
	}
	return &Signer{DigestAlg: digestAlg, dilithiumKey: priv}, key, nil
}

// Sign returns m with its signature set and its timestamp cut to the signed
// whole second
func (s *Signer) Sign(m Message) (Message, error) {
	m.Timestamp = SignedTime(m.Timestamp)
	digest, err := Digest(s.DigestAlg, m)
	if err != nil {
		return Message{}, err
	}

	switch {
	case s.ed25519Key != nil:
		m.Signature = ed25519.Sign(s.ed25519Key, digest)
	case s.dilithiumKey != nil:
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(s.dilithiumKey, digest, sig)
		m.Signature = sig
	default:
		return Message{}, errors.New("signer has no key")
	}
	return m, nil
}
