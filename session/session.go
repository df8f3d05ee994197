// Package session implements the per-peer secure channel established by a
// handshake: a shared symmetric key, sequence counters, and the bounded
// replay-defense nonce set described in spec §3 and §4.6.2.
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/postsync/post/crypto"
	"github.com/postsync/post/errs"
	"github.com/postsync/post/internal/metrics"
)

// SeenNonceCapacity bounds the replay-defense set per peer (spec §3, N=1024).
const SeenNonceCapacity = 1024

// ReplayWindow is the sliding time window nonces are remembered for
// (spec §3, W=60s).
const ReplayWindow = 60 * time.Second

// SkewWindowDefault is the default accepted created_at skew (spec §6).
// The skew check itself runs above this package, once the sync engine has
// decrypted the payload and can read its created_at field.
const SkewWindowDefault = 120 * time.Second

// ReorderWindowDefault is the default tolerance for out-of-order sequence
// numbers before a frame is dropped outright (spec §4.6.2).
const ReorderWindowDefault = 64

// seenEntry records when a (seq, nonce) pair was accepted, so it can be
// evicted once it falls outside ReplayWindow.
type seenEntry struct {
	key  string
	seen time.Time
}

// Session is the established secure channel with one peer.
type Session struct {
	mu sync.Mutex

	SharedKey     []byte
	EstablishedAt time.Time

	selfSeq uint32
	peerSeq uint64

	seen      []seenEntry
	seenIndex map[string]struct{}

	reorderWindow uint64
}

// New builds a Session around a derived shared key.
func New(sharedKey []byte) *Session {
	return &Session{
		SharedKey:     sharedKey,
		EstablishedAt: time.Now(),
		seenIndex:     make(map[string]struct{}),
		reorderWindow: ReorderWindowDefault,
	}
}

// IsExpired reports whether this session has outlived maxAge since
// establishment (used alongside identity rotation, not as its own timer).
func (s *Session) IsExpired(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.EstablishedAt) > maxAge
}

// NextOutbound reserves the next self_seq and a fresh nonce for an
// outbound frame. Returns errs.ErrNonceOverflow once self_seq would wrap
// past 2^32, signaling the caller to rotate the session first.
func (s *Session) NextOutbound() (seq uint32, nonce []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selfSeq == ^uint32(0) {
		return 0, nil, errs.New(errs.Crypto, "session.NextOutbound", errs.ErrNonceOverflow)
	}
	seq = s.selfSeq
	s.selfSeq++

	nonce, nerr := crypto.NewNonce(seq)
	if nerr != nil {
		return 0, nil, errs.New(errs.Crypto, "session.NextOutbound", nerr)
	}
	return seq, nonce, nil
}

// Seal encrypts plaintext for seq/nonce, binding aad (expected to carry
// sender_node_id, version, and seq per spec §4.1).
func (s *Session) Seal(nonce, aad, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	key := s.SharedKey
	s.mu.Unlock()
	ciphertext, err := crypto.Seal(key, nonce, aad, plaintext)
	if err == nil {
		metrics.SessionMessageSize.WithLabelValues("outbound").Observe(float64(len(ciphertext)))
	}
	return ciphertext, err
}

// AcceptInbound validates replay/ordering for an inbound frame and, if
// accepted, decrypts it. now is injected for testability. The skew check
// against the decrypted payload's created_at happens one layer up, in the
// sync engine, since this package never sees plaintext before decrypting.
func (s *Session) AcceptInbound(seq uint64, nonce, aad, ciphertext []byte, now time.Time) ([]byte, error) {
	s.mu.Lock()

	key := dedupeKey(seq, nonce)
	if _, dup := s.seenIndex[key]; dup {
		s.mu.Unlock()
		return nil, errs.New(errs.Transport, "session.AcceptInbound", errs.ErrReplay)
	}

	if s.peerSeq > 0 && seq+s.reorderWindow < s.peerSeq {
		s.mu.Unlock()
		return nil, errs.New(errs.Transport, "session.AcceptInbound", errs.ErrReordered)
	}

	s.remember(key, now)
	if seq > s.peerSeq {
		s.peerSeq = seq
	}
	sharedKey := s.SharedKey
	s.mu.Unlock()

	metrics.SessionMessageSize.WithLabelValues("inbound").Observe(float64(len(ciphertext)))

	plaintext, err := crypto.Open(sharedKey, nonce, aad, ciphertext)
	if err != nil {
		return nil, errs.New(errs.Crypto, "session.AcceptInbound", err)
	}
	return plaintext, nil
}

// remember records key as seen at t and evicts anything older than
// ReplayWindow, keeping the set bounded at SeenNonceCapacity.
func (s *Session) remember(key string, t time.Time) {
	cutoff := t.Add(-ReplayWindow)
	live := s.seen[:0]
	for _, e := range s.seen {
		if e.seen.After(cutoff) {
			live = append(live, e)
		} else {
			delete(s.seenIndex, e.key)
		}
	}
	s.seen = live

	if len(s.seen) >= SeenNonceCapacity {
		oldest := s.seen[0]
		s.seen = s.seen[1:]
		delete(s.seenIndex, oldest.key)
	}

	s.seen = append(s.seen, seenEntry{key: key, seen: t})
	s.seenIndex[key] = struct{}{}
}

func dedupeKey(seq uint64, nonce []byte) string {
	return string(nonce) + "|" + strconv.FormatUint(seq, 10)
}
