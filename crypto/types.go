// Package crypto implements the primitives post's identity, handshake, and
// session layers build on: X25519 key agreement, Ed25519 signing,
// ChaCha20-Poly1305 AEAD framing, HKDF-BLAKE2 session-key derivation, and
// BLAKE2 content fingerprinting.
package crypto

import "github.com/postsync/post/errs"

// KeyType distinguishes the two key families an Identity carries.
type KeyType string

const (
	KeyTypeX25519  KeyType = "x25519"
	KeyTypeEd25519 KeyType = "ed25519"
)

// AgreementKeyPair performs X25519 key agreement.
type AgreementKeyPair interface {
	PublicKey() []byte
	Agree(peerPublic []byte) ([]byte, error)
}

// SigningKeyPair signs and verifies handshake and (optionally) message
// payloads with Ed25519.
type SigningKeyPair interface {
	PublicKey() []byte
	Sign(message []byte) []byte
	Verify(peerPublic, message, signature []byte) error
}

// NonceSize is the AEAD nonce length in bytes (96 bits per spec §4.1).
const NonceSize = 12

// KeySize is the ChaCha20-Poly1305 key length in bytes (256 bits).
const KeySize = 32

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.New(errs.Crypto, op, err)
}
