package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// DIDPrefix is the method prefix of every agent identifier on the network.
// The 'z' multibase marker means the remainder is base58btc.
const DIDPrefix = "did:key:z"

// ed25519Multicodec prefixes the raw public key inside the multibase body.
var ed25519Multicodec = []byte{0xed, 0x01}

var (
	// ErrInvalidDID marks identifiers that cannot be parsed into a key.
	ErrInvalidDID = errors.New("invalid did")
	// ErrInvalidSignature marks a signature that does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// PublicKeyOf derives the Ed25519 public key embedded in a did:key
// identifier. The identifier is self-certifying: callers must never trust a
// separately supplied key when the DID is available.
func PublicKeyOf(did string) (ed25519.PublicKey, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(did), DIDPrefix)
	if !ok || body == "" {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidDID, DIDPrefix)
	}
	decoded := base58.Decode(body)
	if len(decoded) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: decoded length %d", ErrInvalidDID, len(decoded))
	}
	if !bytes.Equal(decoded[:len(ed25519Multicodec)], ed25519Multicodec) {
		return nil, fmt.Errorf("%w: unexpected multicodec prefix", ErrInvalidDID)
	}
	return ed25519.PublicKey(decoded[len(ed25519Multicodec):]), nil
}

// DIDFromPublicKey is the inverse of PublicKeyOf.
func DIDFromPublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key length %d", ErrInvalidDID, len(pub))
	}
	body := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	body = append(body, ed25519Multicodec...)
	body = append(body, pub...)
	return DIDPrefix + base58.Encode(body), nil
}

// Keypair couples an agent DID with its signing key. Used by tests and the
// keygen subcommand; the broker itself only ever sees public keys.
type Keypair struct {
	DID     string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh Ed25519 keypair and its did:key form.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Keypair{DID: did, Public: pub, Private: priv}, nil
}
