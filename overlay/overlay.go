// Package overlay polls an external overlay network's local HTTP API for
// the set of reachable nodes. The overlay is treated purely as an address
// book and transport bearer, never as a trust root (spec §1).
package overlay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/postsync/post/errs"
	"github.com/postsync/post/internal/logger"
)

// Node mirrors the fields the core consumes from the overlay's node
// records; it tolerates additional fields present in the raw JSON, per
// spec §6.
type Node struct {
	ID        string   `json:"ID"`
	HostName  string   `json:"HostName"`
	Addresses []string `json:"TailscaleIPs"`
	Online    bool     `json:"Online"`
}

// Snapshot is the self/peers view read from the overlay's local API.
type Snapshot struct {
	Self    Node
	Peers   map[string]Node
	takenAt time.Time
}

// rawStatus matches the overlay's wire shape: {Self: Node, Peer: {id: Node}}.
type rawStatus struct {
	Self Node            `json:"Self"`
	Peer map[string]Node `json:"Peer"`
}

// Client polls the overlay's local API on an interval and exposes the last
// successful snapshot. It never retries internally; callers (the
// coordinator, before handing a snapshot to the peer registry) decide how
// long a stale snapshot is still usable.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pollEvery  time.Duration

	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewClient builds an overlay client against baseURL, polling every
// pollEvery (spec default 10s).
func NewClient(baseURL string, pollEvery time.Duration) *Client {
	if pollEvery <= 0 {
		pollEvery = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		pollEvery:  pollEvery,
	}
}

// Snapshot returns the last successfully fetched snapshot, if any.
func (c *Client) Snapshot() (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return nil, false
	}
	snap := *c.snapshot
	return &snap, true
}

// Refresh performs one fetch against the overlay's local API, updating the
// cached snapshot on success. On failure it leaves the cached snapshot
// untouched and returns errs.ErrOverlayUnavailable.
func (c *Client) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return errs.New(errs.Overlay, "overlay.Refresh", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("overlay unreachable", logger.Error(err))
		return errs.New(errs.Overlay, "overlay.Refresh", errs.ErrOverlayUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.Overlay, "overlay.Refresh", errs.ErrOverlayUnavailable)
	}

	var raw rawStatus
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return errs.New(errs.Overlay, "overlay.Refresh", errs.ErrOverlayUnavailable)
	}

	snap := &Snapshot{Self: raw.Self, Peers: raw.Peer, takenAt: time.Now()}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	return nil
}

// Run polls Refresh every pollEvery until ctx is cancelled. Fetch errors are
// logged and swallowed: the coordinator consults Age() to decide whether
// a stale snapshot is still within grace before reconciling the peer
// registry against it.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	if err := c.Refresh(ctx); err != nil {
		logger.Warn("initial overlay fetch failed", logger.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				logger.Warn("overlay refresh failed", logger.Error(err))
			}
		}
	}
}

// Age reports how long ago the current snapshot was taken. Callers compare
// this against a grace interval to decide whether the snapshot is still
// usable.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.takenAt)
}
