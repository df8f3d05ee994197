package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/postsync/post/errs"
	"github.com/postsync/post/handshake"
	"github.com/postsync/post/internal/logger"
	"github.com/postsync/post/internal/metrics"
	"github.com/postsync/post/peer"
)

// SyncHandler decouples the HTTP server from the sync engine's internals:
// the server only needs to hand off inbound frames and ask for the latest
// outbound one.
type SyncHandler interface {
	// HandleSync processes an inbound encrypted clipboard frame from sender.
	HandleSync(sender string, seq uint64, nonce, ciphertext []byte) error
	// PullFor returns the latest observed payload encrypted for requester,
	// or ok=false if nothing has been observed yet.
	PullFor(requester string) (env EncryptedEnvelope, ok bool, err error)
}

// Server exposes the endpoints in spec §4.6.2 over plain HTTP; the overlay
// network is the only transport security the bearer itself relies on, all
// payload confidentiality comes from the session layer above it.
type Server struct {
	selfID    string
	startedAt time.Time
	responder *handshake.Responder
	registry  *peer.Registry
	sync      SyncHandler
}

// NewServer builds the transport server bound to this daemon's identity,
// handshake responder, peer registry, and sync engine.
func NewServer(selfID string, responder *handshake.Responder, registry *peer.Registry, sync SyncHandler) *Server {
	return &Server{
		selfID:    selfID,
		startedAt: time.Now(),
		responder: responder,
		registry:  registry,
		sync:      sync,
	}
}

// Handler returns the mux routing all four endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/handshake", s.handleHandshake)
	mux.HandleFunc("/v1/clipboard/sync", s.handleSync)
	mux.HandleFunc("/v1/clipboard/pull", s.handlePull)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := metrics.Global().Snapshot()
	writeJSON(w, http.StatusOK, StatusResponse{
		NodeID:  s.selfID,
		Version: handshake.Version,
		UptimeS: int64(time.Since(s.startedAt).Seconds()),

		PayloadsSent:       snap.PayloadsSent,
		PayloadsReceived:   snap.PayloadsReceived,
		PayloadsApplied:    snap.PayloadsApplied,
		PayloadsSuppressed: snap.PayloadsSuppressed,

		HandshakesInitiated: snap.HandshakesInitiated,
		HandshakesCompleted: snap.HandshakesCompleted,
		HandshakesFailed:    snap.HandshakesFailed,

		SessionsActive: snap.SessionsActive,
		PeersReady:     snap.PeersReady,
		PeersFailed:    snap.PeersFailed,
	})
}

// handleHandshake serves messages 1 and 3 of the handshake protocol;
// direction is inferred from which field of the envelope is set.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var env handshake.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	switch {
	case env.Init != nil:
		resp, err := s.responder.HandleInit(env.Init)
		if err != nil {
			writeHandshakeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, handshake.Envelope{Response: resp})

	case env.Confirm != nil:
		sess, pins, err := s.responder.HandleConfirm(env.Confirm)
		if err != nil {
			writeHandshakeError(w, err)
			return
		}
		s.registry.MarkReady(env.Confirm.NodeID, peer.Pins{AgreementPub: pins.AgreementPub, SigningPub: pins.SigningPub}, sess)
		writeJSON(w, http.StatusOK, handshake.Envelope{})

	default:
		http.Error(w, "empty handshake envelope", http.StatusBadRequest)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var env EncryptedEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := s.sync.HandleSync(env.Sender, env.Seq, env.Nonce, env.Ciphertext); err != nil {
		writeSyncError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requester := r.URL.Query().Get("peer")
	if requester == "" {
		http.Error(w, "missing peer query parameter", http.StatusBadRequest)
		return
	}
	env, ok, err := s.sync.PullFor(requester)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func writeHandshakeError(w http.ResponseWriter, err error) {
	logger.Warn("handshake request rejected", logger.Error(err))
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func writeSyncError(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrUnauthenticated) {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	logger.Warn("sync request rejected", logger.Error(err))
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
