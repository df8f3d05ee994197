// Package peer maintains the set of known peers, their liveness, and their
// handshake state, serialized through a single exclusive guardian so every
// state transition is observed as a total order (spec §4.5).
package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/postsync/post/internal/logger"
	"github.com/postsync/post/overlay"
	"github.com/postsync/post/session"
)

// State is a peer's position in the discovery/handshake lifecycle.
type State int

const (
	Unknown State = iota
	Discovered
	Handshaking
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is one peer's full state. Invariant: State == Ready implies
// Session is non-nil and not expired; State == Failed implies
// BackoffUntil is in the future until the backoff timer elapses.
type Record struct {
	NodeID         string
	DisplayName    string
	OverlayAddress string
	AgreementPub   []byte
	SigningPub     []byte
	Session        *session.Session
	State          State
	BackoffUntil   time.Time
	LastSeen       time.Time

	consecutiveBackoffs int
	decryptFailures     int
}

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// Registry is the peer fabric's exclusive guardian: every mutation takes
// the single mutex, giving callers a consistent total order over state
// transitions.
type Registry struct {
	mu      sync.Mutex
	selfID  string
	peers   map[string]*Record
	graceMs time.Duration
}

// NewRegistry creates a registry for selfID (excluded from its own peer
// set) with the given absence grace interval (spec default 5m).
func NewRegistry(selfID string, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Registry{
		selfID:  selfID,
		peers:   make(map[string]*Record),
		graceMs: grace,
	}
}

// Reconcile folds an overlay snapshot into the registry: new nodes become
// Discovered, known nodes get a refreshed LastSeen, and nodes absent for
// more than the grace interval are removed.
func (r *Registry) Reconcile(snap *overlay.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	seen := make(map[string]bool, len(snap.Peers))

	for id, node := range snap.Peers {
		if id == r.selfID {
			continue
		}
		seen[id] = true

		rec, ok := r.peers[id]
		if !ok {
			rec = &Record{NodeID: id, State: Unknown}
			r.peers[id] = rec
			logger.Info("peer discovered", logger.String("node_id", id))
		}
		if len(node.Addresses) > 0 {
			rec.OverlayAddress = node.Addresses[0]
		}
		rec.DisplayName = node.HostName
		rec.LastSeen = now
		if rec.State == Unknown {
			rec.State = Discovered
		}
	}

	for id, rec := range r.peers {
		if seen[id] {
			continue
		}
		if now.Sub(rec.LastSeen) > r.graceMs {
			delete(r.peers, id)
			logger.Info("peer removed after grace interval", logger.String("node_id", id))
		}
	}
}

// DiscoveredPeers returns peers currently in the Discovered state, in
// stable NodeId order, for the caller to probe.
func (r *Registry) DiscoveredPeers() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotByState(Discovered)
}

// ReadyPeers returns peers currently Ready, for the sync engine to
// broadcast to.
func (r *Registry) ReadyPeers() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotByState(Ready)
}

func (r *Registry) snapshotByState(want State) []*Record {
	var out []*Record
	for _, rec := range r.peers {
		if rec.State == want {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Get returns a copy of the record for id, if known.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// TransitionToHandshaking moves a Discovered peer into Handshaking after a
// successful liveness probe.
func (r *Registry) TransitionToHandshaking(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[id]; ok && rec.State == Discovered {
		rec.State = Handshaking
	}
}

// MarkReady installs a freshly established session and transitions the
// peer to Ready, resetting backoff state.
func (r *Registry) MarkReady(id string, pins Pins, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok {
		rec = &Record{NodeID: id}
		r.peers[id] = rec
	}
	rec.AgreementPub = pins.AgreementPub
	rec.SigningPub = pins.SigningPub
	rec.Session = sess
	rec.State = Ready
	rec.consecutiveBackoffs = 0
	rec.decryptFailures = 0
	logger.Info("peer ready", logger.String("node_id", id))
}

// Pins carries the pubkeys TOFU-pinned for a peer after a successful
// handshake.
type Pins struct {
	AgreementPub []byte
	SigningPub   []byte
}

// BackOff transitions id to Failed with exponentially doubling backoff
// (capped at maxBackoff), per spec §4.5.
func (r *Registry) BackOff(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok {
		return
	}

	rec.consecutiveBackoffs++
	delay := initialBackoff << uint(rec.consecutiveBackoffs-1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	rec.State = Failed
	rec.Session = nil
	rec.BackoffUntil = time.Now().Add(delay)
	logger.Warn("peer backed off", logger.String("node_id", id), logger.Duration("delay", delay))
}

// ReadyForRetry returns peers whose backoff has elapsed, moving them back
// to Discovered so the reconciler re-drives a handshake.
func (r *Registry) ReadyForRetry() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Record
	now := time.Now()
	for _, rec := range r.peers {
		if rec.State == Failed && now.After(rec.BackoffUntil) {
			rec.State = Discovered
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// RecordDecryptFailure increments id's consecutive decrypt-failure count
// and reports whether the threshold (3) has been reached, in which case
// the caller must drop the session and force re-handshake (spec §4.7).
func (r *Registry) RecordDecryptFailure(id string) (thresholdReached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok {
		return false
	}
	rec.decryptFailures++
	if rec.decryptFailures >= 3 {
		rec.Session = nil
		rec.State = Discovered
		rec.decryptFailures = 0
		return true
	}
	return false
}

// DropAllSessions clears every peer's session and returns them to
// Discovered, used when identity rotation invalidates the key material a
// session was derived from.
func (r *Registry) DropAllSessions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.peers {
		if rec.Session != nil {
			rec.Session = nil
			rec.State = Discovered
		}
	}
	logger.Info("all peer sessions dropped for identity rotation")
}

// Counts returns the number of peers in Ready and Failed state, for status
// reporting.
func (r *Registry) Counts() (ready, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.peers {
		switch rec.State {
		case Ready:
			ready++
		case Failed:
			failed++
		}
	}
	return ready, failed
}
