// Package handshake implements the three-message mutually authenticated
// key-agreement protocol peers run before a Session can be established
// (spec §4.6.1). It is transport-agnostic: callers feed it messages
// received over whatever bearer they use (HTTP, in this daemon) and send
// the messages it produces back over the same bearer.
package handshake

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/postsync/post/crypto"
	"github.com/postsync/post/crypto/keys"
	"github.com/postsync/post/errs"
	"github.com/postsync/post/internal/logger"
	"github.com/postsync/post/internal/metrics"
	"github.com/postsync/post/session"
)

// Timeout is the absolute deadline for a handshake to complete, per spec §4.6.1.
const Timeout = 5 * time.Second

const nonceSize = 16

// ShouldInitiate implements the tie-break rule: when both sides would
// otherwise initiate simultaneously, the lexicographically smaller NodeId
// wins and the other side aborts its own outbound attempt and waits for an
// inbound one (spec §4.5, §8 scenario 3).
func ShouldInitiate(selfID, peerID string) bool {
	return selfID < peerID
}

func randomNonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, errs.New(errs.Handshake, "handshake.randomNonce", err)
	}
	return n, nil
}

// confirmNonce derives a 12-byte AEAD nonce binding both handshake nonces,
// since nonce_a||nonce_b (32 bytes) is wider than the AEAD's native
// 96-bit nonce.
func confirmNonce(nonceA, nonceB []byte) []byte {
	digest := crypto.Fingerprint(append(append([]byte{}, nonceA...), nonceB...))
	return digest[:crypto.NonceSize]
}

// Initiator runs the initiating side of a handshake against one peer.
type Initiator struct {
	selfID    string
	agreement *keys.X25519KeyPair
	signing   *keys.Ed25519KeyPair
	pins      *PinStore

	nonceA    []byte
	deadline  time.Time
	startedAt time.Time
}

// NewInitiator prepares an initiator for a single handshake attempt.
func NewInitiator(selfID string, agreement *keys.X25519KeyPair, signing *keys.Ed25519KeyPair, pins *PinStore) *Initiator {
	return &Initiator{selfID: selfID, agreement: agreement, signing: signing, pins: pins}
}

// Start builds message 1. The returned message must be sent to the
// responder; the reply must be given to HandleResponse before Timeout
// elapses.
func (in *Initiator) Start() (*InitMessage, error) {
	nonceA, err := randomNonce()
	if err != nil {
		return nil, err
	}
	in.nonceA = nonceA
	in.deadline = time.Now().Add(Timeout)
	in.startedAt = time.Now()
	metrics.HandshakesInitiated.WithLabelValues("initiator").Inc()

	msg := &InitMessage{
		Version:      Version,
		NodeID:       in.selfID,
		AgreementPub: in.agreement.PublicKey(),
		SigningPub:   in.signing.PublicKey(),
		NonceA:       nonceA,
	}
	msg.Signature = in.signing.Sign(msg.transcript())
	return msg, nil
}

// HandleResponse verifies message 2, derives the shared session key, and
// returns message 3 to send back to the responder.
func (in *Initiator) HandleResponse(resp *ResponseMessage) (*ConfirmMessage, *session.Session, error) {
	if time.Now().After(in.deadline) {
		metrics.HandshakesFailed.WithLabelValues("timeout").Inc()
		metrics.Global().RecordHandshake(false, time.Since(in.startedAt))
		return nil, nil, errs.New(errs.Handshake, "handshake.HandleResponse", errs.ErrHandshakeTimeout)
	}
	if resp.Version != Version {
		metrics.HandshakesFailed.WithLabelValues("version_mismatch").Inc()
		metrics.Global().RecordHandshake(false, time.Since(in.startedAt))
		return nil, nil, errs.New(errs.Handshake, "handshake.HandleResponse", errs.ErrVersionMismatch)
	}
	if len(resp.NonceA) != nonceSize || !bytesEqual(resp.NonceA, in.nonceA) {
		metrics.HandshakesFailed.WithLabelValues("bad_signature").Inc()
		metrics.Global().RecordHandshake(false, time.Since(in.startedAt))
		return nil, nil, errs.New(errs.Handshake, "handshake.HandleResponse", errs.ErrBadSignature)
	}
	if err := keys.VerifyEd25519(resp.SigningPub, resp.transcript(), resp.Signature); err != nil {
		metrics.HandshakesFailed.WithLabelValues("bad_signature").Inc()
		metrics.Global().RecordHandshake(false, time.Since(in.startedAt))
		return nil, nil, errs.New(errs.Handshake, "handshake.HandleResponse", err)
	}
	if err := in.pins.Verify(resp.NodeID, Pins{AgreementPub: resp.AgreementPub, SigningPub: resp.SigningPub}); err != nil {
		metrics.HandshakesFailed.WithLabelValues("identity_changed").Inc()
		metrics.Global().RecordHandshake(false, time.Since(in.startedAt))
		return nil, nil, err
	}

	secret, err := in.agreement.Agree(resp.AgreementPub)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("key_agreement").Inc()
		metrics.Global().RecordHandshake(false, time.Since(in.startedAt))
		return nil, nil, errs.New(errs.Handshake, "handshake.HandleResponse", errs.ErrKeyAgreementFailed)
	}
	sharedKey, err := crypto.DeriveSessionKey(secret, in.selfID, resp.NodeID)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("key_agreement").Inc()
		metrics.Global().RecordHandshake(false, time.Since(in.startedAt))
		return nil, nil, errs.New(errs.Handshake, "handshake.HandleResponse", err)
	}

	confirmTag, err := crypto.Seal(sharedKey, confirmNonce(in.nonceA, resp.NonceB), nil, nil)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("key_agreement").Inc()
		metrics.Global().RecordHandshake(false, time.Since(in.startedAt))
		return nil, nil, errs.New(errs.Handshake, "handshake.HandleResponse", err)
	}

	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues("response").Observe(time.Since(in.startedAt).Seconds())
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.Global().RecordHandshake(true, time.Since(in.startedAt))
	logger.Info("handshake confirmed as initiator", logger.String("peer", resp.NodeID))
	return &ConfirmMessage{NodeID: in.selfID, ConfirmTag: confirmTag}, session.New(sharedKey), nil
}

// Responder runs the responding side of handshakes against any number of
// peers concurrently, tracking per-peer pending state between message 1
// and message 3.
type Responder struct {
	selfID    string
	agreement *keys.X25519KeyPair
	signing   *keys.Ed25519KeyPair
	pins      *PinStore

	mu      sync.Mutex
	pending map[string]*pendingResponse
}

type pendingResponse struct {
	nonceA, nonceB   []byte
	sharedKey        []byte
	peerAgreementPub []byte
	peerSigningPub   []byte
	deadline         time.Time
	startedAt        time.Time
}

// NewResponder builds a responder bound to the daemon's identity and pin store.
func NewResponder(selfID string, agreement *keys.X25519KeyPair, signing *keys.Ed25519KeyPair, pins *PinStore) *Responder {
	return &Responder{
		selfID:    selfID,
		agreement: agreement,
		signing:   signing,
		pins:      pins,
		pending:   make(map[string]*pendingResponse),
	}
}

// Rekey swaps in freshly rotated key material, used after identity rotation
// so in-flight and future responses are signed and agreed with the new
// keys rather than the ones the daemon started up with (spec §3, §8
// scenario 6).
func (r *Responder) Rekey(agreement *keys.X25519KeyPair, signing *keys.Ed25519KeyPair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agreement = agreement
	r.signing = signing
}

// HandleInit verifies message 1 and builds message 2.
func (r *Responder) HandleInit(msg *InitMessage) (*ResponseMessage, error) {
	metrics.HandshakesInitiated.WithLabelValues("responder").Inc()
	startedAt := time.Now()

	if msg.Version != Version {
		metrics.HandshakesFailed.WithLabelValues("version_mismatch").Inc()
		metrics.Global().RecordHandshake(false, time.Since(startedAt))
		return nil, errs.New(errs.Handshake, "handshake.HandleInit", errs.ErrVersionMismatch)
	}
	if len(msg.NonceA) != nonceSize {
		metrics.HandshakesFailed.WithLabelValues("bad_signature").Inc()
		metrics.Global().RecordHandshake(false, time.Since(startedAt))
		return nil, errs.New(errs.Handshake, "handshake.HandleInit", errs.ErrBadSignature)
	}
	if err := keys.VerifyEd25519(msg.SigningPub, msg.transcript(), msg.Signature); err != nil {
		metrics.HandshakesFailed.WithLabelValues("bad_signature").Inc()
		metrics.Global().RecordHandshake(false, time.Since(startedAt))
		return nil, errs.New(errs.Handshake, "handshake.HandleInit", err)
	}

	nonceB, err := randomNonce()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	agreement, signing := r.agreement, r.signing
	r.mu.Unlock()

	secret, err := agreement.Agree(msg.AgreementPub)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("key_agreement").Inc()
		metrics.Global().RecordHandshake(false, time.Since(startedAt))
		return nil, errs.New(errs.Handshake, "handshake.HandleInit", errs.ErrKeyAgreementFailed)
	}
	sharedKey, err := crypto.DeriveSessionKey(secret, r.selfID, msg.NodeID)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("key_agreement").Inc()
		metrics.Global().RecordHandshake(false, time.Since(startedAt))
		return nil, errs.New(errs.Handshake, "handshake.HandleInit", err)
	}

	r.mu.Lock()
	r.pending[msg.NodeID] = &pendingResponse{
		nonceA:           msg.NonceA,
		nonceB:           nonceB,
		sharedKey:        sharedKey,
		peerAgreementPub: msg.AgreementPub,
		peerSigningPub:   msg.SigningPub,
		deadline:         time.Now().Add(Timeout),
		startedAt:        startedAt,
	}
	r.mu.Unlock()
	metrics.HandshakeDuration.WithLabelValues("init").Observe(time.Since(startedAt).Seconds())

	resp := &ResponseMessage{
		Version:      Version,
		NodeID:       r.selfID,
		AgreementPub: agreement.PublicKey(),
		SigningPub:   signing.PublicKey(),
		NonceA:       msg.NonceA,
		NonceB:       nonceB,
	}
	resp.Signature = signing.Sign(resp.transcript())
	return resp, nil
}

// HandleConfirm verifies message 3's confirm tag and, on success, pins the
// initiator's identity and returns an established Session along with the
// pins it was verified against (for the caller to hand to the peer registry).
func (r *Responder) HandleConfirm(msg *ConfirmMessage) (*session.Session, Pins, error) {
	r.mu.Lock()
	pend, ok := r.pending[msg.NodeID]
	if ok {
		delete(r.pending, msg.NodeID)
	}
	r.mu.Unlock()

	if !ok {
		metrics.HandshakesFailed.WithLabelValues("bad_signature").Inc()
		return nil, Pins{}, errs.New(errs.Handshake, "handshake.HandleConfirm", errs.ErrBadConfirm)
	}
	if time.Now().After(pend.deadline) {
		metrics.HandshakesFailed.WithLabelValues("timeout").Inc()
		metrics.Global().RecordHandshake(false, time.Since(pend.startedAt))
		return nil, Pins{}, errs.New(errs.Handshake, "handshake.HandleConfirm", errs.ErrHandshakeTimeout)
	}

	expected, err := crypto.Seal(pend.sharedKey, confirmNonce(pend.nonceA, pend.nonceB), nil, nil)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("bad_signature").Inc()
		metrics.Global().RecordHandshake(false, time.Since(pend.startedAt))
		return nil, Pins{}, errs.New(errs.Handshake, "handshake.HandleConfirm", err)
	}
	if !bytesEqual(expected, msg.ConfirmTag) {
		metrics.HandshakesFailed.WithLabelValues("bad_signature").Inc()
		metrics.Global().RecordHandshake(false, time.Since(pend.startedAt))
		return nil, Pins{}, errs.New(errs.Handshake, "handshake.HandleConfirm", errs.ErrBadConfirm)
	}

	pins := Pins{AgreementPub: pend.peerAgreementPub, SigningPub: pend.peerSigningPub}
	if err := r.pins.Verify(msg.NodeID, pins); err != nil {
		metrics.HandshakesFailed.WithLabelValues("identity_changed").Inc()
		metrics.Global().RecordHandshake(false, time.Since(pend.startedAt))
		return nil, Pins{}, err
	}

	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues("confirm").Observe(time.Since(pend.startedAt).Seconds())
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.Global().RecordHandshake(true, time.Since(pend.startedAt))
	logger.Info("handshake confirmed as responder", logger.String("peer", msg.NodeID))
	return session.New(pend.sharedKey), pins, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
