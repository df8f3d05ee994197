package crypto

import (
	"hash"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

// SessionKeySalt is the fixed HKDF salt used for every session-key
// derivation, per spec §4.1.
const SessionKeySalt = "post-clipboard-sync-v1"

// Canonical returns the two node ids sorted lexicographically, joined by a
// separator that cannot appear in a generated NodeId, so both handshake
// participants compute identical HKDF info.
func Canonical(a, b string) []byte {
	ids := []string{a, b}
	sort.Strings(ids)
	return []byte(strings.Join(ids, "|"))
}

// DeriveSessionKey derives a 256-bit symmetric key from an X25519 agreement
// output, using HKDF over BLAKE2b-256 with the fixed salt and the
// canonically ordered node-id pair as info.
func DeriveSessionKey(sharedSecret []byte, selfID, peerID string) ([]byte, error) {
	kdf := hkdf.New(newBlake2b256, sharedSecret, []byte(SessionKeySalt), Canonical(selfID, peerID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, wrap("crypto.DeriveSessionKey", err)
	}
	return key, nil
}

func newBlake2b256() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// Fingerprint returns the BLAKE2b-256 digest of content, used to detect
// equivalent payloads without comparing full bytes.
func Fingerprint(content []byte) [32]byte {
	return blake2b.Sum256(content)
}
