package crypto

import "errors"

// Sentinel errors surfaced by this package; Seal and Open wrap them with
// errs.New(errs.Crypto, ...) through wrap before returning them.
var (
	ErrInvalidNonceSize = errors.New("crypto: invalid nonce size")
	ErrDecryptFailed    = errors.New("crypto: decrypt failed")
	ErrInvalidKey       = errors.New("crypto: invalid key")
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	ErrNonceOverflow    = errors.New("crypto: nonce counter overflow")
)
