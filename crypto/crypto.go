package crypto

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal AEAD-encrypts plaintext under key and nonce, binding aad into the
// authentication tag. Returns ciphertext||tag.
func Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, wrap("crypto.Seal", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, wrap("crypto.Seal", ErrInvalidNonceSize)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open AEAD-decrypts ciphertext under key and nonce, verifying aad.
func Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, wrap("crypto.Open", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, wrap("crypto.Open", ErrInvalidNonceSize)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, wrap("crypto.Open", ErrDecryptFailed)
	}
	return plaintext, nil
}

// NewNonce builds a 96-bit nonce as a 32-bit big-endian monotonic counter
// followed by 64 random bits, per spec §4.1. Counter overflow (2^32
// messages on one session) is the caller's cue to rotate before calling.
func NewNonce(counter uint32) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[:4], counter)
	if _, err := rand.Read(nonce[4:]); err != nil {
		return nil, wrap("crypto.NewNonce", err)
	}
	return nonce, nil
}
