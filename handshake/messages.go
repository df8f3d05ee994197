package handshake

import (
	"bytes"
	"encoding/binary"
)

// Version is the only handshake wire version this daemon speaks.
const Version = 1

// InitMessage is the initiator's first message: identity, agreement key,
// signing key, and a fresh 16-byte nonce, signed with the initiator's
// signing key (spec §4.6.1, message 1).
type InitMessage struct {
	Version      int    `json:"version"`
	NodeID       string `json:"node_id"`
	AgreementPub []byte `json:"agreement_pub"`
	SigningPub   []byte `json:"signing_pub"`
	NonceA       []byte `json:"nonce_a"`
	Signature    []byte `json:"signature"`
}

func (m *InitMessage) transcript() []byte {
	return encodeFields(
		[]byte{byte(m.Version)},
		[]byte(m.NodeID),
		m.AgreementPub,
		m.SigningPub,
		m.NonceA,
	)
}

// ResponseMessage is the responder's reply, echoing nonce_a and adding its
// own nonce_b, signed with the responder's signing key (message 2).
type ResponseMessage struct {
	Version      int    `json:"version"`
	NodeID       string `json:"node_id"`
	AgreementPub []byte `json:"agreement_pub"`
	SigningPub   []byte `json:"signing_pub"`
	NonceA       []byte `json:"nonce_a"`
	NonceB       []byte `json:"nonce_b"`
	Signature    []byte `json:"signature"`
}

func (m *ResponseMessage) transcript() []byte {
	return encodeFields(
		[]byte{byte(m.Version)},
		[]byte(m.NodeID),
		m.AgreementPub,
		m.SigningPub,
		m.NonceA,
		m.NonceB,
	)
}

// ConfirmMessage is the initiator's final message, proving possession of
// the derived shared key without revealing it (message 3).
type ConfirmMessage struct {
	NodeID     string `json:"node_id"`
	ConfirmTag []byte `json:"confirm_tag"`
}

// Envelope is the single wire shape POSTed to /v1/handshake; exactly one
// field is set per request, and the responder infers direction from which
// one it is (spec §4.6.2).
type Envelope struct {
	Init     *InitMessage     `json:"init,omitempty"`
	Response *ResponseMessage `json:"response,omitempty"`
	Confirm  *ConfirmMessage  `json:"confirm,omitempty"`
}

// encodeFields builds a deterministic, unambiguous transcript by
// length-prefixing each field before concatenation, so a field boundary
// can never be confused with adjacent field content.
func encodeFields(parts ...[]byte) []byte {
	var buf bytes.Buffer
	var lenPrefix [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(p)))
		buf.Write(lenPrefix[:])
		buf.Write(p)
	}
	return buf.Bytes()
}
