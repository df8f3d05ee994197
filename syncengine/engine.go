// Package syncengine is the single-consumer actor that reconciles the
// local clipboard against the peer fabric: it owns the only goroutine that
// ever mutates sync state, fed by two event sources: a local poll/subscribe
// loop and inbound frames handed off by the transport server through a
// bounded mailbox (spec §4.7).
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postsync/post/clipboard"
	"github.com/postsync/post/crypto"
	"github.com/postsync/post/errs"
	"github.com/postsync/post/handshake"
	"github.com/postsync/post/internal/logger"
	"github.com/postsync/post/internal/metrics"
	"github.com/postsync/post/peer"
	"github.com/postsync/post/session"
	"github.com/postsync/post/transport"
)

// DefaultMailboxCapacity bounds the actor's inbox (spec §5).
const DefaultMailboxCapacity = 256

// DefaultPollInterval is the local clipboard poll cadence
// (general.sync_interval_ms in config).
const DefaultPollInterval = 500 * time.Millisecond

// Engine reconciles local clipboard state against Ready peers. All fields
// below the mailbox are only ever touched from the Run goroutine; observed
// is the one piece of state a concurrent PullFor call also needs, so it is
// kept behind an atomic pointer instead of the mailbox.
type Engine struct {
	selfID       string
	adapter      clipboard.Adapter
	registry     *peer.Registry
	client       *transport.Client
	port         int
	pollInterval time.Duration
	skewWindow   time.Duration

	mailbox chan *inboundMsg
	stopped chan struct{}

	hasLocal     bool
	localPrint   [32]byte
	lastByOrigin map[string]time.Time

	observed atomic.Pointer[clipboard.Payload]

	eventSink atomic.Pointer[func(Event)]
}

// Event describes one clipboard reconciliation outcome, for an optional
// local status feed (spec §9(a) leaves the UI policy on top of these
// events to the UI collaborator; the engine only reports what happened).
type Event struct {
	Kind       EventKind
	OriginNode string
	MIME       clipboard.MIME
	Size       int
	At         time.Time
}

// EventKind classifies an Event.
type EventKind string

const (
	EventLocalChange    EventKind = "local_change"
	EventInboundApplied EventKind = "inbound_applied"
)

// SetEventSink registers fn to be called, from the actor goroutine, after
// every local broadcast and applied inbound payload. Passing nil disables
// reporting. Safe to call concurrently with Run.
func (e *Engine) SetEventSink(fn func(Event)) {
	if fn == nil {
		e.eventSink.Store(nil)
		return
	}
	e.eventSink.Store(&fn)
}

func (e *Engine) emit(evt Event) {
	if sink := e.eventSink.Load(); sink != nil {
		(*sink)(evt)
	}
}

type inboundMsg struct {
	sender     string
	seq        uint64
	nonce      []byte
	ciphertext []byte
	result     chan error
}

// NewEngine wires an actor around adapter, the peer registry, and a
// transport client used to reach Ready peers at http://<overlay-addr>:port.
func NewEngine(selfID string, adapter clipboard.Adapter, registry *peer.Registry, client *transport.Client, port int, pollInterval, skewWindow time.Duration) *Engine {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if skewWindow <= 0 {
		skewWindow = session.SkewWindowDefault
	}
	return &Engine{
		selfID:       selfID,
		adapter:      adapter,
		registry:     registry,
		client:       client,
		port:         port,
		pollInterval: pollInterval,
		skewWindow:   skewWindow,
		mailbox:      make(chan *inboundMsg, DefaultMailboxCapacity),
		stopped:      make(chan struct{}),
		lastByOrigin: make(map[string]time.Time),
	}
}

// Run is the actor loop. It returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	subscribeCh, hasSub := e.adapter.Subscribe()
	if !hasSub {
		subscribeCh = nil
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			e.pollLocal()

		case <-subscribeCh:
			e.pollLocal()

		case msg := <-e.mailbox:
			err := e.applyInbound(msg)
			msg.result <- err
		}
	}
}

// pollLocal reads the clipboard adapter and broadcasts a new Payload to
// Ready peers if its content differs from what the engine last accounted
// for, whether that was our own last broadcast or the last inbound payload
// applied (the two share localPrint, which is what makes inbound-apply
// loop-suppressing: writing a received payload back to the adapter sets
// localPrint to the same fingerprint, so the next poll is a no-op).
func (e *Engine) pollLocal() {
	p, ok, err := e.adapter.Read()
	if err != nil {
		logger.Warn("clipboard read failed", logger.Error(err))
		return
	}
	if !ok {
		return
	}

	fp := crypto.Fingerprint(p.Content)
	if e.hasLocal && fp == e.localPrint {
		return
	}
	e.hasLocal = true
	e.localPrint = fp

	payload := clipboard.Payload{
		ID:         uuid.New(),
		Content:    p.Content,
		MIME:       p.MIME,
		OriginNode: e.selfID,
		CreatedAt:  time.Now(),
	}
	e.lastByOrigin[e.selfID] = payload.CreatedAt
	e.observed.Store(&payload)
	e.broadcast(payload)
	metrics.Global().RecordPayloadSent()
	e.emit(Event{Kind: EventLocalChange, OriginNode: e.selfID, MIME: payload.MIME, Size: len(payload.Content), At: payload.CreatedAt})
}

// broadcast fans payload out to every Ready peer as a short-lived task
// per send; a send failure backs the peer off rather than blocking the
// actor loop.
func (e *Engine) broadcast(payload clipboard.Payload) {
	peers := e.registry.ReadyPeers()
	if len(peers) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("clipboard payload marshal failed", logger.Error(err))
		return
	}
	for _, rec := range peers {
		go e.sendTo(rec, data)
	}
}

func (e *Engine) sendTo(rec *peer.Record, data []byte) {
	seq, nonce, err := rec.Session.NextOutbound()
	if err != nil {
		logger.Warn("outbound session exhausted", logger.String("node_id", rec.NodeID), logger.Error(err))
		e.registry.BackOff(rec.NodeID)
		return
	}
	ct, err := rec.Session.Seal(nonce, buildAAD(e.selfID, uint64(seq)), data)
	if err != nil {
		logger.Warn("clipboard payload seal failed", logger.String("node_id", rec.NodeID), logger.Error(err))
		e.registry.BackOff(rec.NodeID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = e.client.Sync(ctx, e.baseURL(rec), transport.EncryptedEnvelope{
		Sender:     e.selfID,
		Seq:        uint64(seq),
		Nonce:      nonce,
		Ciphertext: ct,
	})
	if err != nil {
		logger.Warn("clipboard sync send failed", logger.String("node_id", rec.NodeID), logger.Error(err))
		metrics.MessagesProcessed.WithLabelValues("outbound", "rejected").Inc()
		e.registry.BackOff(rec.NodeID)
		return
	}
	metrics.MessagesProcessed.WithLabelValues("outbound", "accepted").Inc()
	metrics.MessageSize.Observe(float64(len(ct)))
}

func (e *Engine) baseURL(rec *peer.Record) string {
	return fmt.Sprintf("http://%s:%d", rec.OverlayAddress, e.port)
}

// HandleSync implements transport.SyncHandler: it hands the frame to the
// actor and blocks for the processing result, preserving the mailbox's
// total order while still letting the HTTP handler report success/failure.
func (e *Engine) HandleSync(sender string, seq uint64, nonce, ciphertext []byte) error {
	msg := &inboundMsg{sender: sender, seq: seq, nonce: nonce, ciphertext: ciphertext, result: make(chan error, 1)}

	select {
	case e.mailbox <- msg:
	case <-e.stopped:
		return errs.New(errs.Transport, "syncengine.HandleSync", errs.ErrUnauthenticated)
	default:
		logger.Warn("sync engine mailbox full, dropping inbound frame", logger.String("sender", sender))
		return nil
	}

	select {
	case err := <-msg.result:
		return err
	case <-e.stopped:
		return errs.New(errs.Transport, "syncengine.HandleSync", errs.ErrUnauthenticated)
	}
}

// applyInbound runs entirely on the actor goroutine: decrypt, skew check,
// loop suppression, staleness, conflict resolution, then write-through.
func (e *Engine) applyInbound(msg *inboundMsg) error {
	applyStart := time.Now()
	rec, ok := e.registry.Get(msg.sender)
	if !ok || rec.Session == nil {
		return errs.New(errs.Transport, "syncengine.applyInbound", errs.ErrUnauthenticated)
	}

	plaintext, err := rec.Session.AcceptInbound(msg.seq, msg.nonce, buildAAD(msg.sender, msg.seq), msg.ciphertext, time.Now())
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("inbound", "rejected").Inc()
		switch {
		case errs.Is(err, errs.Transport) && errors.Is(err, errs.ErrReplay):
			metrics.ReplayAttacksDetected.Inc()
			metrics.NonceValidations.WithLabelValues("replay").Inc()
		case errs.Is(err, errs.Transport) && errors.Is(err, errs.ErrReordered):
			metrics.NonceValidations.WithLabelValues("reordered").Inc()
		case errs.Is(err, errs.Crypto):
			if e.registry.RecordDecryptFailure(msg.sender) {
				logger.Warn("dropping session after repeated decrypt failures", logger.String("node_id", msg.sender))
			}
		}
		return err
	}
	metrics.NonceValidations.WithLabelValues("accepted").Inc()

	var payload clipboard.Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return errs.New(errs.Clipboard, "syncengine.applyInbound", err)
	}
	metrics.Global().RecordPayloadReceived()

	if absDuration(time.Since(payload.CreatedAt)) > e.skewWindow {
		metrics.NonceValidations.WithLabelValues("skewed").Inc()
		return errs.New(errs.Transport, "syncengine.applyInbound", errs.ErrSkew)
	}
	metrics.MessagesProcessed.WithLabelValues("inbound", "accepted").Inc()

	fp := crypto.Fingerprint(payload.Content)
	if e.hasLocal && fp == e.localPrint {
		metrics.Global().RecordApply(true, time.Since(applyStart))
		return nil
	}

	if last, ok := e.lastByOrigin[payload.OriginNode]; ok && !payload.CreatedAt.After(last) {
		metrics.Global().RecordApply(true, time.Since(applyStart))
		return nil
	}

	if current := e.observed.Load(); current != nil {
		if payload.CreatedAt.Before(current.CreatedAt) {
			metrics.Global().RecordApply(true, time.Since(applyStart))
			return nil
		}
		if payload.CreatedAt.Equal(current.CreatedAt) && payload.OriginNode >= current.OriginNode {
			metrics.Global().RecordApply(true, time.Since(applyStart))
			return nil
		}
	}

	e.hasLocal = true
	e.localPrint = fp
	e.lastByOrigin[payload.OriginNode] = payload.CreatedAt
	e.observed.Store(&payload)

	if err := e.adapter.Write(payload); err != nil {
		return errs.New(errs.Clipboard, "syncengine.applyInbound", err)
	}
	metrics.Global().RecordApply(false, time.Since(applyStart))
	logger.Info("applied inbound clipboard payload", logger.String("origin_node", payload.OriginNode), logger.String("sender", msg.sender))
	e.emit(Event{Kind: EventInboundApplied, OriginNode: payload.OriginNode, MIME: payload.MIME, Size: len(payload.Content), At: payload.CreatedAt})
	return nil
}

// PullFor implements transport.SyncHandler. It runs off the actor
// goroutine: it only reads the atomic observed pointer and the registry,
// and Session itself serializes its own sequence/seal state.
func (e *Engine) PullFor(requester string) (transport.EncryptedEnvelope, bool, error) {
	payload := e.observed.Load()
	if payload == nil {
		return transport.EncryptedEnvelope{}, false, nil
	}

	rec, ok := e.registry.Get(requester)
	if !ok || rec.Session == nil {
		return transport.EncryptedEnvelope{}, false, errs.New(errs.Transport, "syncengine.PullFor", errs.ErrUnauthenticated)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return transport.EncryptedEnvelope{}, false, errs.New(errs.Clipboard, "syncengine.PullFor", err)
	}
	seq, nonce, err := rec.Session.NextOutbound()
	if err != nil {
		return transport.EncryptedEnvelope{}, false, err
	}
	ct, err := rec.Session.Seal(nonce, buildAAD(e.selfID, uint64(seq)), data)
	if err != nil {
		return transport.EncryptedEnvelope{}, false, err
	}

	return transport.EncryptedEnvelope{
		Sender:     e.selfID,
		Seq:        uint64(seq),
		Nonce:      nonce,
		Ciphertext: ct,
	}, true, nil
}

func buildAAD(nodeID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", nodeID, handshake.Version, seq))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
