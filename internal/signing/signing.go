// Package signing implements commit signing and verification (§4.5,
// §4.6): Ed25519 via the standard library, and secp256k1 via
// gitlab.com/yawning/secp256k1-voi, matching the two key kinds recorded
// against each did:key-style repo signing key.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/multiformats/go-multibase"
	"gitlab.com/yawning/secp256k1-voi/secec"
)

// Kind names the signing algorithm of a key, as stored alongside a
// repo's DID document (§6.4 signing_key_kind).
type Kind string

const (
	KindEd25519   Kind = "ed25519"
	KindSecp256k1 Kind = "secp256k1"
)

// Key is a loaded private signing key, capable of producing and
// checking commit signatures.
type Key struct {
	kind Kind
	ed   ed25519.PrivateKey
	k256 *secec.PrivateKey
}

// Generate creates a new private key of the given kind.
func Generate(kind Kind) (*Key, error) {
	switch kind {
	case KindEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("signing: generate ed25519: %w", err)
		}
		return &Key{kind: KindEd25519, ed: priv}, nil
	case KindSecp256k1:
		priv, err := secec.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("signing: generate secp256k1: %w", err)
		}
		return &Key{kind: KindSecp256k1, k256: priv}, nil
	default:
		return nil, fmt.Errorf("signing: unknown key kind %q", kind)
	}
}

// Multibase returns the "key_material" string persisted in config: a
// base58btc multibase encoding of the kind tag byte followed by the
// raw private key bytes. This is a storage convenience, not a did:key
// public-key multicodec value.
func (k *Key) Multibase() (string, error) {
	var raw []byte
	switch k.kind {
	case KindEd25519:
		raw = append([]byte{0x01}, k.ed.Seed()...)
	case KindSecp256k1:
		raw = append([]byte{0x02}, k.k256.Bytes()...)
	default:
		return "", fmt.Errorf("signing: key has no kind set")
	}
	s, err := multibase.Encode(multibase.Base58BTC, raw)
	if err != nil {
		return "", fmt.Errorf("signing: encode multibase: %w", err)
	}
	return s, nil
}

// ParseMultibase loads a key previously produced by Multibase.
func ParseMultibase(s string) (*Key, error) {
	_, raw, err := multibase.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("signing: decode multibase: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("signing: empty key material")
	}
	switch raw[0] {
	case 0x01:
		if len(raw) != 1+ed25519.SeedSize {
			return nil, fmt.Errorf("signing: bad ed25519 seed length")
		}
		return &Key{kind: KindEd25519, ed: ed25519.NewKeyFromSeed(raw[1:])}, nil
	case 0x02:
		priv, err := secec.NewPrivateKey(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("signing: bad secp256k1 key: %w", err)
		}
		return &Key{kind: KindSecp256k1, k256: priv}, nil
	default:
		return nil, fmt.Errorf("signing: unknown key tag %d", raw[0])
	}
}

// Kind reports the algorithm this key uses.
func (k *Key) Kind() Kind { return k.kind }

// Sign produces a raw signature over msg (the deterministic CBOR
// encoding of a commit with its "sig" field omitted, per §4.5).
func (k *Key) Sign(msg []byte) ([]byte, error) {
	switch k.kind {
	case KindEd25519:
		return ed25519.Sign(k.ed, msg), nil
	case KindSecp256k1:
		digest := sha256.Sum256(msg)
		sig, err := k.k256.Sign(rand.Reader, digest[:], nil)
		if err != nil {
			return nil, fmt.Errorf("signing: sign: %w", err)
		}
		return sig, nil
	default:
		return nil, fmt.Errorf("signing: key has no kind set")
	}
}

// PublicKey is the verification half of a Key, exported once so a
// commit can be checked without holding the private material.
type PublicKey struct {
	kind Kind
	ed   ed25519.PublicKey
	k256 *secec.PublicKey
}

// Public derives the verification key.
func (k *Key) Public() *PublicKey {
	switch k.kind {
	case KindEd25519:
		return &PublicKey{kind: KindEd25519, ed: k.ed.Public().(ed25519.PublicKey)}
	case KindSecp256k1:
		return &PublicKey{kind: KindSecp256k1, k256: k.k256.PublicKey()}
	default:
		return &PublicKey{}
	}
}

// Verify never raises: a malformed signature or key simply reports
// false, matching §4.6 "verification never panics or errors".
func (p *PublicKey) Verify(msg, sig []byte) bool {
	switch p.kind {
	case KindEd25519:
		if len(p.ed) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(p.ed, msg, sig)
	case KindSecp256k1:
		if p.k256 == nil {
			return false
		}
		digest := sha256.Sum256(msg)
		return p.k256.Verify(digest[:], sig)
	default:
		return false
	}
}

// Multibase encodes the public key the same way Key.Multibase encodes
// the private half: a kind tag byte followed by the raw public key
// bytes, base58btc multibase. Used for the verificationMethod entry
// of a DID document (§4.6).
func (p *PublicKey) Multibase() (string, error) {
	var raw []byte
	switch p.kind {
	case KindEd25519:
		if len(p.ed) != ed25519.PublicKeySize {
			return "", fmt.Errorf("signing: public key has no ed25519 bytes set")
		}
		raw = append([]byte{0x01}, p.ed...)
	case KindSecp256k1:
		if p.k256 == nil {
			return "", fmt.Errorf("signing: public key has no secp256k1 bytes set")
		}
		raw = append([]byte{0x02}, p.k256.Bytes()...)
	default:
		return "", fmt.Errorf("signing: key has no kind set")
	}
	s, err := multibase.Encode(multibase.Base58BTC, raw)
	if err != nil {
		return "", fmt.Errorf("signing: encode multibase: %w", err)
	}
	return s, nil
}
