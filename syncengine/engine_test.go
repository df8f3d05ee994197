package syncengine

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postsync/post/clipboard"
	"github.com/postsync/post/crypto/keys"
	"github.com/postsync/post/errs"
	"github.com/postsync/post/handshake"
	"github.com/postsync/post/overlay"
	"github.com/postsync/post/peer"
	"github.com/postsync/post/session"
	"github.com/postsync/post/transport"
)

// establishSessions runs a full handshake between aliceID and bobID and
// returns the two sides of the resulting secure channel.
func establishSessions(t *testing.T, aliceID, bobID string) (aliceSess, bobSess *session.Session) {
	t.Helper()

	aliceAgreement, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	aliceSigning, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	alicePins, err := handshake.OpenPinStore(t.TempDir())
	require.NoError(t, err)

	bobAgreement, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	bobSigning, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	bobPins, err := handshake.OpenPinStore(t.TempDir())
	require.NoError(t, err)

	initiator := handshake.NewInitiator(aliceID, aliceAgreement, aliceSigning, alicePins)
	responder := handshake.NewResponder(bobID, bobAgreement, bobSigning, bobPins)

	initMsg, err := initiator.Start()
	require.NoError(t, err)
	respMsg, err := responder.HandleInit(initMsg)
	require.NoError(t, err)
	confirmMsg, aSess, err := initiator.HandleResponse(respMsg)
	require.NoError(t, err)
	bSess, _, err := responder.HandleConfirm(confirmMsg)
	require.NoError(t, err)

	return aSess, bSess
}

func sealPayload(t *testing.T, sess *session.Session, senderID string, payload clipboard.Payload) (uint64, []byte, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	seq, nonce, err := sess.NextOutbound()
	require.NoError(t, err)
	ct, err := sess.Seal(nonce, buildAAD(senderID, uint64(seq)), data)
	require.NoError(t, err)
	return uint64(seq), nonce, ct
}

func newTestEngine(selfID string, registry *peer.Registry) (*Engine, *clipboard.MemoryAdapter) {
	adapter := clipboard.NewMemoryAdapter(0)
	e := NewEngine(selfID, adapter, registry, transport.NewClient(), 0, 10*time.Millisecond, 0)
	return e, adapter
}

func TestEndToEndLocalChangeSyncsToPeer(t *testing.T) {
	aliceID, bobID := "alice", "bob"
	aliceSess, bobSess := establishSessions(t, aliceID, bobID)

	aliceRegistry := peer.NewRegistry(aliceID, time.Minute)
	bobRegistry := peer.NewRegistry(bobID, time.Minute)

	aliceEngine, aliceAdapter := newTestEngine(aliceID, aliceRegistry)
	bobEngine, bobAdapter := newTestEngine(bobID, bobRegistry)

	bobServer := transport.NewServer(bobID, handshake.NewResponder(bobID, nil, nil, nil), bobRegistry, bobEngine)
	httpSrv := httptest.NewServer(bobServer.Handler())
	defer httpSrv.Close()

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	aliceEngine.port = port

	aliceRegistry.Reconcile(&overlay.Snapshot{Peers: map[string]overlay.Node{
		bobID: {ID: bobID, Addresses: []string{u.Hostname()}},
	}})
	aliceRegistry.MarkReady(bobID, peer.Pins{}, aliceSess)

	bobRegistry.MarkReady(aliceID, peer.Pins{}, bobSess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bobEngine.Run(ctx)

	require.NoError(t, aliceAdapter.Set(aliceID, []byte("hello from alice"), clipboard.MIMEText))

	aliceEngine.pollLocal()

	assert.Eventually(t, func() bool {
		p, ok, _ := bobAdapter.Read()
		return ok && string(p.Content) == "hello from alice"
	}, time.Second, 10*time.Millisecond)
}

func TestApplyInboundSuppressesLoopback(t *testing.T) {
	e, adapter := newTestEngine("alice", peer.NewRegistry("alice", time.Minute))
	require.NoError(t, adapter.Set("alice", []byte("stable content"), clipboard.MIMEText))
	e.pollLocal()

	_, bobSess := establishSessions(t, "alice", "bob")
	payload := clipboard.Payload{ID: uuid.New(), Content: []byte("stable content"), MIME: clipboard.MIMEText, OriginNode: "bob", CreatedAt: time.Now()}
	seq, nonce, ct := sealPayload(t, bobSess, "bob", payload)

	e.registry.MarkReady("bob", peer.Pins{}, bobSess)

	err := e.applyInbound(&inboundMsg{sender: "bob", seq: seq, nonce: nonce, ciphertext: ct})
	require.NoError(t, err)

	p, ok, err := adapter.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", p.OriginNode, "identical content arriving from a peer must not overwrite local origin")
}

func TestApplyInboundRejectsSkew(t *testing.T) {
	e, _ := newTestEngine("alice", peer.NewRegistry("alice", time.Minute))
	e.skewWindow = time.Second

	_, bobSess := establishSessions(t, "alice", "bob")
	e.registry.MarkReady("bob", peer.Pins{}, bobSess)

	payload := clipboard.Payload{ID: uuid.New(), Content: []byte("old"), MIME: clipboard.MIMEText, OriginNode: "bob", CreatedAt: time.Now().Add(-time.Hour)}
	seq, nonce, ct := sealPayload(t, bobSess, "bob", payload)

	err := e.applyInbound(&inboundMsg{sender: "bob", seq: seq, nonce: nonce, ciphertext: ct})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrSkew)
}

func TestApplyInboundDropsStaleFromSameOrigin(t *testing.T) {
	e, adapter := newTestEngine("alice", peer.NewRegistry("alice", time.Minute))
	_, bobSess := establishSessions(t, "alice", "bob")
	e.registry.MarkReady("bob", peer.Pins{}, bobSess)

	newer := clipboard.Payload{ID: uuid.New(), Content: []byte("newer"), MIME: clipboard.MIMEText, OriginNode: "bob", CreatedAt: time.Now()}
	seq, nonce, ct := sealPayload(t, bobSess, "bob", newer)
	require.NoError(t, e.applyInbound(&inboundMsg{sender: "bob", seq: seq, nonce: nonce, ciphertext: ct}))

	older := clipboard.Payload{ID: uuid.New(), Content: []byte("older"), MIME: clipboard.MIMEText, OriginNode: "bob", CreatedAt: newer.CreatedAt.Add(-time.Minute)}
	seq2, nonce2, ct2 := sealPayload(t, bobSess, "bob", older)
	err := e.applyInbound(&inboundMsg{sender: "bob", seq: seq2, nonce: nonce2, ciphertext: ct2})
	require.NoError(t, err, "stale frames are dropped silently, not treated as an error")

	p, ok, err := adapter.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "newer", string(p.Content))
}

func TestApplyInboundConflictResolutionPrefersNewerCreatedAt(t *testing.T) {
	e, adapter := newTestEngine("alice", peer.NewRegistry("alice", time.Minute))
	_, bobSess := establishSessions(t, "alice", "bob")
	_, carolSess := establishSessions(t, "alice", "carol")
	e.registry.MarkReady("bob", peer.Pins{}, bobSess)
	e.registry.MarkReady("carol", peer.Pins{}, carolSess)

	now := time.Now()
	fromBob := clipboard.Payload{ID: uuid.New(), Content: []byte("bob wins"), MIME: clipboard.MIMEText, OriginNode: "bob", CreatedAt: now}
	seq, nonce, ct := sealPayload(t, bobSess, "bob", fromBob)
	require.NoError(t, e.applyInbound(&inboundMsg{sender: "bob", seq: seq, nonce: nonce, ciphertext: ct}))

	fromCarol := clipboard.Payload{ID: uuid.New(), Content: []byte("carol is older"), MIME: clipboard.MIMEText, OriginNode: "carol", CreatedAt: now.Add(-time.Second)}
	seq2, nonce2, ct2 := sealPayload(t, carolSess, "carol", fromCarol)
	require.NoError(t, e.applyInbound(&inboundMsg{sender: "carol", seq: seq2, nonce: nonce2, ciphertext: ct2}))

	p, ok, err := adapter.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob wins", string(p.Content), "an earlier created_at from a different origin must not override a newer value")
}

func TestApplyInboundRejectsUnknownSender(t *testing.T) {
	e, _ := newTestEngine("alice", peer.NewRegistry("alice", time.Minute))
	err := e.applyInbound(&inboundMsg{sender: "stranger", seq: 0, nonce: make([]byte, 12), ciphertext: []byte("x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestHandleSyncDropsWhenMailboxFull(t *testing.T) {
	e, _ := newTestEngine("alice", peer.NewRegistry("alice", time.Minute))
	for i := 0; i < DefaultMailboxCapacity; i++ {
		e.mailbox <- &inboundMsg{result: make(chan error, 1)}
	}

	err := e.HandleSync("bob", 0, make([]byte, 12), []byte("x"))
	assert.NoError(t, err, "a full mailbox drops the frame silently rather than rejecting the caller")
}

func TestPullForReturnsNotOkBeforeAnythingObserved(t *testing.T) {
	e, _ := newTestEngine("alice", peer.NewRegistry("alice", time.Minute))
	_, ok, err := e.PullFor("bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPullForRequiresReadySession(t *testing.T) {
	e, adapter := newTestEngine("alice", peer.NewRegistry("alice", time.Minute))
	require.NoError(t, adapter.Set("alice", []byte("content"), clipboard.MIMEText))
	e.pollLocal()

	_, ok, err := e.PullFor("bob")
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestRunExitsOnContextCancel(t *testing.T) {
	e, _ := newTestEngine("alice", peer.NewRegistry("alice", time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
