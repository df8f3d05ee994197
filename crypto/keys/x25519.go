// Package keys implements the X25519 agreement and Ed25519 signing key
// pairs that back a post identity.
package keys

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/postsync/post/errs"
)

// X25519KeyPair holds an X25519 private key and its public counterpart.
type X25519KeyPair struct {
	private *ecdh.PrivateKey
	public  *ecdh.PublicKey
}

// GenerateX25519KeyPair generates a fresh X25519 agreement key pair.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.New(errs.Crypto, "keys.GenerateX25519KeyPair", err)
	}
	return &X25519KeyPair{private: priv, public: priv.PublicKey()}, nil
}

// X25519KeyPairFromSeed reconstructs a key pair from 32 bytes of persisted
// private key material (used by the identity store on load).
func X25519KeyPairFromSeed(seed []byte) (*X25519KeyPair, error) {
	priv, err := ecdh.X25519().NewPrivateKey(seed)
	if err != nil {
		return nil, errs.New(errs.Crypto, "keys.X25519KeyPairFromSeed", errs.ErrInvalidKey)
	}
	return &X25519KeyPair{private: priv, public: priv.PublicKey()}, nil
}

// PublicKey returns the 32-byte public key.
func (kp *X25519KeyPair) PublicKey() []byte {
	return kp.public.Bytes()
}

// Bytes returns the 32-byte private scalar, for persistence.
func (kp *X25519KeyPair) Bytes() []byte {
	return kp.private.Bytes()
}

// Agree performs X25519 key agreement against a peer's public key,
// returning the 32-byte shared secret.
func (kp *X25519KeyPair) Agree(peerPublic []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, errs.New(errs.Crypto, "keys.Agree", errs.ErrInvalidKey)
	}
	secret, err := kp.private.ECDH(pub)
	if err != nil {
		return nil, errs.New(errs.Crypto, "keys.Agree", errs.ErrKeyAgreementFailed)
	}
	return secret, nil
}
