package handshake

import (
	"testing"
	"time"

	"github.com/postsync/post/crypto/keys"
	"github.com/postsync/post/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type party struct {
	id        string
	agreement *keys.X25519KeyPair
	signing   *keys.Ed25519KeyPair
	pins      *PinStore
}

func newParty(t *testing.T, id string) party {
	t.Helper()
	agreement, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	signing, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	pins, err := OpenPinStore(t.TempDir())
	require.NoError(t, err)
	return party{id: id, agreement: agreement, signing: signing, pins: pins}
}

func TestFullHandshakeEstablishesMatchingSessions(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	initiator := NewInitiator(alice.id, alice.agreement, alice.signing, alice.pins)
	responder := NewResponder(bob.id, bob.agreement, bob.signing, bob.pins)

	initMsg, err := initiator.Start()
	require.NoError(t, err)

	respMsg, err := responder.HandleInit(initMsg)
	require.NoError(t, err)

	confirmMsg, initiatorSess, err := initiator.HandleResponse(respMsg)
	require.NoError(t, err)
	require.NotNil(t, initiatorSess)

	responderSess, _, err := responder.HandleConfirm(confirmMsg)
	require.NoError(t, err)
	require.NotNil(t, responderSess)

	assert.Equal(t, initiatorSess.SharedKey, responderSess.SharedKey)
}

func TestHandleInitRejectsBadSignature(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	initiator := NewInitiator(alice.id, alice.agreement, alice.signing, alice.pins)
	responder := NewResponder(bob.id, bob.agreement, bob.signing, bob.pins)

	initMsg, err := initiator.Start()
	require.NoError(t, err)
	initMsg.Signature[0] ^= 0xFF

	_, err = responder.HandleInit(initMsg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrVerifyFailed)
}

func TestHandleResponseRejectsVersionMismatch(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	initiator := NewInitiator(alice.id, alice.agreement, alice.signing, alice.pins)
	responder := NewResponder(bob.id, bob.agreement, bob.signing, bob.pins)

	initMsg, err := initiator.Start()
	require.NoError(t, err)
	respMsg, err := responder.HandleInit(initMsg)
	require.NoError(t, err)

	respMsg.Version = 2
	_, _, err = initiator.HandleResponse(respMsg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrVersionMismatch)
}

func TestHandleConfirmRejectsBadTag(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	initiator := NewInitiator(alice.id, alice.agreement, alice.signing, alice.pins)
	responder := NewResponder(bob.id, bob.agreement, bob.signing, bob.pins)

	initMsg, err := initiator.Start()
	require.NoError(t, err)
	respMsg, err := responder.HandleInit(initMsg)
	require.NoError(t, err)
	confirmMsg, _, err := initiator.HandleResponse(respMsg)
	require.NoError(t, err)

	confirmMsg.ConfirmTag[0] ^= 0xFF
	_, _, err = responder.HandleConfirm(confirmMsg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrBadConfirm)
}

func TestHandleConfirmRejectsUnknownPeer(t *testing.T) {
	bob := newParty(t, "bob")
	responder := NewResponder(bob.id, bob.agreement, bob.signing, bob.pins)

	_, _, err := responder.HandleConfirm(&ConfirmMessage{NodeID: "never-shook-hands", ConfirmTag: []byte("x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrBadConfirm)
}

func TestPinStoreRejectsIdentityChange(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	require.NoError(t, alice.pins.Verify(bob.id, Pins{AgreementPub: bob.agreement.PublicKey(), SigningPub: bob.signing.PublicKey()}))

	impostor, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	err = alice.pins.Verify(bob.id, Pins{AgreementPub: bob.agreement.PublicKey(), SigningPub: impostor.PublicKey()})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIdentityChanged)
}

func TestShouldInitiateTieBreakIsDeterministicAndSymmetric(t *testing.T) {
	assert.True(t, ShouldInitiate("alice", "bob"))
	assert.False(t, ShouldInitiate("bob", "alice"))
}

func TestHandleResponseRejectsAfterDeadline(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	initiator := NewInitiator(alice.id, alice.agreement, alice.signing, alice.pins)
	responder := NewResponder(bob.id, bob.agreement, bob.signing, bob.pins)

	initMsg, err := initiator.Start()
	require.NoError(t, err)
	respMsg, err := responder.HandleInit(initMsg)
	require.NoError(t, err)

	initiator.deadline = time.Now().Add(-time.Second)
	_, _, err = initiator.HandleResponse(respMsg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrHandshakeTimeout)
}
