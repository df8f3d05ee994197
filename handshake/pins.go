package handshake

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/postsync/post/errs"
)

// Pins is the signing and agreement public key a peer was first observed
// with. Once pinned, a later handshake presenting a different signing_pub
// for the same NodeId is refused (spec §9, trust-on-first-use).
type Pins struct {
	AgreementPub []byte `json:"agreement_pub"`
	SigningPub   []byte `json:"signing_pub"`
}

// PinStore persists TOFU pins to peers.json alongside the identity store.
type PinStore struct {
	mu   sync.Mutex
	path string
	pins map[string]Pins
}

// OpenPinStore loads peers.json from dir, or starts empty if it does not
// exist yet.
func OpenPinStore(dir string) (*PinStore, error) {
	ps := &PinStore{
		path: filepath.Join(dir, "peers.json"),
		pins: make(map[string]Pins),
	}
	data, err := os.ReadFile(ps.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ps, nil
		}
		return nil, errs.New(errs.Io, "handshake.OpenPinStore", err)
	}
	if err := json.Unmarshal(data, &ps.pins); err != nil {
		return nil, errs.New(errs.Io, "handshake.OpenPinStore", err)
	}
	return ps, nil
}

// Verify checks candidate against any existing pin for nodeID. A peer seen
// for the first time is pinned and accepted. A peer whose signing_pub
// diverges from its pin is rejected with errs.ErrIdentityChanged.
func (ps *PinStore) Verify(nodeID string, candidate Pins) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	existing, ok := ps.pins[nodeID]
	if !ok {
		ps.pins[nodeID] = candidate
		return ps.persistLocked()
	}
	if !bytes.Equal(existing.SigningPub, candidate.SigningPub) {
		return errs.New(errs.Handshake, "handshake.Verify", errs.ErrIdentityChanged)
	}
	// Agreement keys may legitimately rotate; only the signing identity is
	// trust-anchored.
	existing.AgreementPub = candidate.AgreementPub
	ps.pins[nodeID] = existing
	return ps.persistLocked()
}

// Clear removes a pin, letting an operator accept a peer's new identity.
func (ps *PinStore) Clear(nodeID string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.pins, nodeID)
	return ps.persistLocked()
}

func (ps *PinStore) persistLocked() error {
	data, err := json.MarshalIndent(ps.pins, "", "  ")
	if err != nil {
		return errs.New(errs.Io, "handshake.persist", err)
	}
	tmp := ps.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.New(errs.Io, "handshake.persist", err)
	}
	if err := os.Rename(tmp, ps.path); err != nil {
		return errs.New(errs.Io, "handshake.persist", err)
	}
	return nil
}
