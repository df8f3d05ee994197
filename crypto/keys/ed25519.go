package keys

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/postsync/post/errs"
)

// Ed25519KeyPair holds an Ed25519 signing key pair.
type Ed25519KeyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// GenerateEd25519KeyPair generates a fresh Ed25519 signing key pair.
func GenerateEd25519KeyPair() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.New(errs.Crypto, "keys.GenerateEd25519KeyPair", err)
	}
	return &Ed25519KeyPair{private: priv, public: pub}, nil
}

// Ed25519KeyPairFromSeed reconstructs a signing key pair from a 32-byte
// seed (used by the identity store on load).
func Ed25519KeyPairFromSeed(seed []byte) *Ed25519KeyPair {
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519KeyPair{private: priv, public: priv.Public().(ed25519.PublicKey)}
}

// PublicKey returns the 32-byte public key.
func (kp *Ed25519KeyPair) PublicKey() []byte {
	return []byte(kp.public)
}

// Seed returns the 32-byte seed, for persistence.
func (kp *Ed25519KeyPair) Seed() []byte {
	return kp.private.Seed()
}

// Sign signs message with the private key.
func (kp *Ed25519KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.private, message)
}

// Verify verifies signature over message against a peer's public key.
// It does not use kp's own key material; it exists as a method so callers
// holding a keypair don't need a separate import for one-off verification.
func (kp *Ed25519KeyPair) Verify(peerPublic, message, signature []byte) error {
	return VerifyEd25519(peerPublic, message, signature)
}

// VerifyEd25519 verifies signature over message against peerPublic,
// without requiring a local keypair.
func VerifyEd25519(peerPublic, message, signature []byte) error {
	if len(peerPublic) != ed25519.PublicKeySize {
		return errs.New(errs.Crypto, "keys.Verify", errs.ErrInvalidKey)
	}
	if !ed25519.Verify(ed25519.PublicKey(peerPublic), message, signature) {
		return errs.New(errs.Crypto, "keys.Verify", errs.ErrVerifyFailed)
	}
	return nil
}
