// Package errs defines the typed error taxonomy shared across the post
// daemon: Config, Io, Crypto, Overlay, Handshake, Transport, Clipboard.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's buckets.
type Kind string

const (
	Config     Kind = "config"
	Io         Kind = "io"
	Crypto     Kind = "crypto"
	Overlay    Kind = "overlay"
	Handshake  Kind = "handshake"
	Transport  Kind = "transport"
	Clipboard  Kind = "clipboard"
)

// Error is the concrete error type produced by post's internal packages.
// Op identifies the failing operation (e.g. "session.Decrypt"), Kind
// classifies it for recovery-policy decisions, and Err carries the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op in the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Sentinel errors named directly in spec.md §7/§8, grouped by the Kind
// they belong to. Callers compare with errors.Is.
var (
	// Crypto
	ErrInvalidKey    = errors.New("crypto: invalid key")
	ErrDecryptFailed = errors.New("crypto: decrypt failed")
	ErrSignFailed    = errors.New("crypto: sign failed")
	ErrVerifyFailed  = errors.New("crypto: verify failed")
	ErrNonceOverflow = errors.New("crypto: nonce counter overflow")

	// Clipboard
	ErrPayloadTooLarge = errors.New("clipboard: payload exceeds max_size_bytes")

	// Transport
	ErrReplay      = errors.New("transport: replay detected")
	ErrSkew        = errors.New("transport: clock skew exceeds skew_window")
	ErrReordered   = errors.New("transport: sequence older than reorder_window")
	ErrUnauthenticated = errors.New("transport: no valid session")

	// Handshake
	ErrVersionMismatch   = errors.New("handshake: version mismatch")
	ErrBadSignature      = errors.New("handshake: bad signature")
	ErrKeyAgreementFailed = errors.New("handshake: key agreement failed")
	ErrBadConfirm        = errors.New("handshake: bad confirm tag")
	ErrHandshakeTimeout  = errors.New("handshake: timed out")
	ErrIdentityChanged   = errors.New("handshake: peer signing key changed")

	// Overlay
	ErrOverlayUnavailable = errors.New("overlay: local API unreachable")

	// Identity / Io
	ErrIdentityLocked   = errors.New("io: identity store locked by another instance")
	ErrIdentityCorrupt  = errors.New("io: identity material unreadable")

	// Config
	ErrConfigInvalid = errors.New("config: invalid value")
)
