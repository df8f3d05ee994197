// Package identity owns the daemon's long-lived agreement and signing key
// pairs: creation on first run, exclusive-lock persistence, and rotation.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/postsync/post/crypto/keys"
	"github.com/postsync/post/errs"
	"github.com/postsync/post/internal/logger"
)

// Identity is the daemon's key material, as described in spec §3.
type Identity struct {
	NodeID     string
	Agreement  *keys.X25519KeyPair
	Signing    *keys.Ed25519KeyPair
	Generation uint64
	RotatedAt  time.Time
}

// fileFormat is the on-disk shape of identity.bin. Field names are kept
// short deliberately; this file is not meant to be hand-edited.
type fileFormat struct {
	NodeID        string    `json:"node_id"`
	AgreementSeed []byte    `json:"agreement_seed"`
	SigningSeed   []byte    `json:"signing_seed"`
	Generation    uint64    `json:"generation"`
	RotatedAt     time.Time `json:"rotated_at"`
}

// Store persists an Identity under an exclusive, process-wide file lock.
type Store struct {
	mu       sync.Mutex
	dir      string
	lock     *flock.Flock
	current  *Identity
	onRotate []func(*Identity)
}

const lockFileName = ".identity.lock"
const identityFileName = "identity.bin"

// Open takes the exclusive identity lock for dir and returns a Store ready
// for LoadOrCreate. Lock acquisition failure maps to errs.ErrIdentityLocked,
// which the caller (cmd/postd) turns into exit code 3.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errs.New(errs.Io, "identity.Open", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errs.New(errs.Io, "identity.Open", err)
	}
	if !locked {
		return nil, errs.New(errs.Io, "identity.Open", errs.ErrIdentityLocked)
	}

	return &Store{dir: dir, lock: lock}, nil
}

// Close releases the identity lock. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := s.lock.Unlock()
	s.lock = nil
	return err
}

// OnRotate registers a callback invoked synchronously after a successful
// Rotate, before Rotate returns. The peer registry uses this to drop every
// session immediately, per spec §4.2.
func (s *Store) OnRotate(fn func(*Identity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRotate = append(s.onRotate, fn)
}

// LoadOrCreate loads identity.bin from disk, or generates a fresh Identity
// (using nodeIDHint if non-empty, otherwise a random NodeId) and persists
// it. Corruption on an existing file is reported as errs.ErrIdentityCorrupt.
func (s *Store) LoadOrCreate(nodeIDHint string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, identityFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := decode(data)
		if err != nil {
			return nil, errs.New(errs.Crypto, "identity.LoadOrCreate", errs.ErrIdentityCorrupt)
		}
		s.current = id
		return id, nil

	case os.IsNotExist(err):
		id, err := generate(nodeIDHint)
		if err != nil {
			return nil, errs.New(errs.Crypto, "identity.LoadOrCreate", err)
		}
		if err := s.persist(id); err != nil {
			return nil, err
		}
		s.current = id
		logger.Info("identity created", logger.String("node_id", id.NodeID))
		return id, nil

	default:
		return nil, errs.New(errs.Io, "identity.LoadOrCreate", err)
	}
}

// Rotate generates fresh agreement and signing key pairs, bumps the
// generation counter, writes the result atomically, and notifies every
// OnRotate subscriber. Existing sessions are invalidated by those
// subscribers (the peer registry), not by this method.
func (s *Store) Rotate() (*Identity, error) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil, errs.New(errs.Crypto, "identity.Rotate", errs.ErrIdentityCorrupt)
	}

	next, err := generate(s.current.NodeID)
	if err != nil {
		s.mu.Unlock()
		return nil, errs.New(errs.Crypto, "identity.Rotate", err)
	}
	next.Generation = s.current.Generation + 1

	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.current = next
	subscribers := append([]func(*Identity){}, s.onRotate...)
	s.mu.Unlock()

	logger.Info("identity rotated", logger.String("node_id", next.NodeID), logger.Any("generation", next.Generation))
	for _, fn := range subscribers {
		fn(next)
	}
	return next, nil
}

// persist atomically writes id to identity.bin: write a temp file, then
// rename, so a crash mid-write cannot leave a half-written file behind.
func (s *Store) persist(id *Identity) error {
	data, err := encode(id)
	if err != nil {
		return errs.New(errs.Io, "identity.persist", err)
	}

	path := filepath.Join(s.dir, identityFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errs.New(errs.Io, "identity.persist", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(errs.Io, "identity.persist", err)
	}
	return nil
}

func generate(nodeIDHint string) (*Identity, error) {
	agreement, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	signing, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		return nil, err
	}

	nodeID := nodeIDHint
	if nodeID == "" {
		nodeID, err = randomNodeID()
		if err != nil {
			return nil, err
		}
	}

	return &Identity{
		NodeID:     nodeID,
		Agreement:  agreement,
		Signing:    signing,
		Generation: 0,
		RotatedAt:  time.Now(),
	}, nil
}

func randomNodeID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: generate node id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func encode(id *Identity) ([]byte, error) {
	return json.MarshalIndent(fileFormat{
		NodeID:        id.NodeID,
		AgreementSeed: id.Agreement.Bytes(),
		SigningSeed:   id.Signing.Seed(),
		Generation:    id.Generation,
		RotatedAt:     id.RotatedAt,
	}, "", "  ")
}

func decode(data []byte) (*Identity, error) {
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, err
	}
	agreement, err := keys.X25519KeyPairFromSeed(ff.AgreementSeed)
	if err != nil {
		return nil, err
	}
	return &Identity{
		NodeID:     ff.NodeID,
		Agreement:  agreement,
		Signing:    keys.Ed25519KeyPairFromSeed(ff.SigningSeed),
		Generation: ff.Generation,
		RotatedAt:  ff.RotatedAt,
	}, nil
}
