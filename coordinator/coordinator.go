// Package coordinator wires identity, the overlay client, the peer
// registry, the transport server, and the sync engine into a single
// daemon lifecycle: startup ordering, peer reconciliation, and shutdown
// (spec §4.8).
package coordinator

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postsync/post/clipboard"
	"github.com/postsync/post/errs"
	"github.com/postsync/post/handshake"
	"github.com/postsync/post/identity"
	"github.com/postsync/post/internal/config"
	"github.com/postsync/post/internal/logger"
	"github.com/postsync/post/internal/metrics"
	"github.com/postsync/post/overlay"
	"github.com/postsync/post/peer"
	"github.com/postsync/post/statusfeed"
	"github.com/postsync/post/syncengine"
	"github.com/postsync/post/transport"
)

// statusProbeTimeout bounds the liveness probe issued against a peer's
// /v1/status before attemptHandshake commits to the full exchange
// (spec §4.5).
const statusProbeTimeout = 3 * time.Second

// reconcileInterval is how often the coordinator folds a fresh overlay
// snapshot into the peer registry and drives Discovered/Failed peers
// forward.
const reconcileInterval = 2 * time.Second

// overlayGrace is how long a stale overlay snapshot is still trusted
// before peer discovery is considered unavailable.
const overlayGrace = 30 * time.Second

// shutdownDrain bounds how long Stop waits for in-flight sends before
// tearing the HTTP listener down.
const shutdownDrain = 2 * time.Second

// Coordinator owns one daemon's full set of subsystems.
type Coordinator struct {
	cfg config.Config

	identityStore *identity.Store
	id            atomic.Pointer[identity.Identity]
	pins          *handshake.PinStore

	overlayClient *overlay.Client
	registry      *peer.Registry

	engine     *syncengine.Engine
	server     *transport.Server
	events     *statusfeed.Hub
	httpServer *http.Server
}

// New builds a Coordinator from cfg and the local data directory (where
// identity.bin and peers.json live). adapter is the platform clipboard
// backend; callers pass clipboard.NewMemoryAdapter when none is wired in.
func New(cfg config.Config, dataDir string, adapter clipboard.Adapter) (*Coordinator, error) {
	identityStore, err := identity.Open(dataDir)
	if err != nil {
		return nil, err
	}

	id, err := identityStore.LoadOrCreate(cfg.General.NodeID)
	if err != nil {
		identityStore.Close()
		return nil, err
	}

	pins, err := handshake.OpenPinStore(dataDir)
	if err != nil {
		identityStore.Close()
		return nil, err
	}

	registry := peer.NewRegistry(id.NodeID, 5*time.Minute)
	identityStore.OnRotate(func(*identity.Identity) {
		registry.DropAllSessions()
	})

	overlayClient := overlay.NewClient(cfg.Network.OverlayBaseURL, 10*time.Second)

	engine := syncengine.NewEngine(id.NodeID, adapter, registry, transport.NewClient(), cfg.Network.Port, cfg.SyncInterval(), cfg.SkewWindow())

	responder := handshake.NewResponder(id.NodeID, id.Agreement, id.Signing, pins)
	identityStore.OnRotate(func(next *identity.Identity) {
		responder.Rekey(next.Agreement, next.Signing)
	})
	server := transport.NewServer(id.NodeID, responder, registry, engine)

	events := statusfeed.NewHub()
	engine.SetEventSink(events.Broadcast)

	c := &Coordinator{
		cfg:           cfg,
		identityStore: identityStore,
		pins:          pins,
		overlayClient: overlayClient,
		registry:      registry,
		engine:        engine,
		server:        server,
		events:        events,
	}
	c.id.Store(id)
	return c, nil
}

// Identity returns the daemon's current identity, for status reporting
// and the CLI's identity subcommands.
func (c *Coordinator) Identity() *identity.Identity { return c.id.Load() }

// Registry exposes the peer registry for status reporting.
func (c *Coordinator) Registry() *peer.Registry { return c.registry }

// Run starts every subsystem and blocks until ctx is cancelled or one of
// them returns a fatal error. Startup order follows spec §4.8: identity
// and pins are already loaded by New; here we bring up the overlay client,
// the transport listener, the sync engine, and the reconciliation loop.
func (c *Coordinator) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(c.cfg.Network.Port))
	if err != nil {
		return errs.New(errs.Config, "coordinator.Run", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", c.server.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", c.handleHealthz)
	mux.HandleFunc("/v1/events", c.events.Handler())
	c.httpServer = &http.Server{Handler: mux}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.overlayClient.Run(gctx)
	})
	group.Go(func() error {
		return c.engine.Run(gctx)
	})
	group.Go(func() error {
		return c.reconcileLoop(gctx)
	})
	group.Go(func() error {
		return c.rotationLoop(gctx)
	})
	group.Go(func() error {
		if err := c.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			return errs.New(errs.Transport, "coordinator.Run", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		return c.shutdownServer()
	})

	return group.Wait()
}

func (c *Coordinator) shutdownServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancel()
	return c.httpServer.Shutdown(ctx)
}

// Close releases the identity lock. Call after Run returns.
func (c *Coordinator) Close() error {
	return c.identityStore.Close()
}

func (c *Coordinator) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if snap, ok := c.overlayClient.Snapshot(); !ok || snap.Age() > overlayGrace {
		http.Error(w, "overlay snapshot stale or unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// reconcileLoop folds overlay snapshots into the registry and drives
// Discovered/Failed peers toward Ready: probing, initiating or waiting
// for an inbound handshake per the tie-break rule, and retrying backed-off
// peers once their timer elapses.
func (c *Coordinator) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.reconcileOnce(ctx)
		}
	}
}

func (c *Coordinator) reconcileOnce(ctx context.Context) {
	if snap, ok := c.overlayClient.Snapshot(); ok && snap.Age() <= overlayGrace {
		c.registry.Reconcile(snap)
	}

	for _, rec := range c.registry.ReadyForRetry() {
		go c.attemptHandshake(ctx, rec.NodeID)
	}
	for _, rec := range c.registry.DiscoveredPeers() {
		if !handshake.ShouldInitiate(c.id.Load().NodeID, rec.NodeID) {
			continue
		}
		go c.attemptHandshake(ctx, rec.NodeID)
	}

	ready, failed := c.registry.Counts()
	metrics.Global().SetPeerCounts(ready, failed)
	metrics.Global().SetSessionsActive(ready)
}

// rotationLoop rotates the daemon's identity every cfg.KeyRotationInterval,
// dropping every established session (spec §3, §8 scenario 6: "At
// key_rotation_hours, A rotates. All prior sessions drop.") via the
// identityStore.OnRotate subscriber registered in New.
func (c *Coordinator) rotationLoop(ctx context.Context) error {
	interval := c.cfg.KeyRotationInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			id, err := c.identityStore.Rotate()
			if err != nil {
				logger.Warn("identity rotation failed", logger.Error(err))
				continue
			}
			c.id.Store(id)
			logger.Info("identity rotated on schedule", logger.String("node_id", id.NodeID), logger.Any("generation", id.Generation))
		}
	}
}

// attemptHandshake drives the initiator side of a handshake against
// peerID over HTTP and, on success, installs the resulting session.
func (c *Coordinator) attemptHandshake(ctx context.Context, peerID string) {
	rec, ok := c.registry.Get(peerID)
	if !ok || rec.OverlayAddress == "" {
		return
	}

	baseURL := "http://" + net.JoinHostPort(rec.OverlayAddress, strconv.Itoa(c.cfg.Network.Port))
	client := transport.NewClient()

	probeCtx, probeCancel := context.WithTimeout(ctx, statusProbeTimeout)
	_, err := client.Status(probeCtx, baseURL)
	probeCancel()
	if err != nil {
		logger.Warn("peer liveness probe failed, skipping handshake attempt", logger.String("node_id", peerID), logger.Error(err))
		c.registry.BackOff(peerID)
		return
	}

	c.registry.TransitionToHandshaking(peerID)

	id := c.id.Load()
	initiator := handshake.NewInitiator(id.NodeID, id.Agreement, id.Signing, c.pins)

	initMsg, err := initiator.Start()
	if err != nil {
		logger.Warn("handshake start failed", logger.String("node_id", peerID), logger.Error(err))
		c.registry.BackOff(peerID)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handshake.Timeout)
	defer cancel()

	reply, err := client.Handshake(hctx, baseURL, handshake.Envelope{Init: initMsg})
	if err != nil || reply.Response == nil {
		logger.Warn("handshake init round-trip failed", logger.String("node_id", peerID), logger.Error(err))
		c.registry.BackOff(peerID)
		return
	}

	confirmMsg, sess, err := initiator.HandleResponse(reply.Response)
	if err != nil {
		logger.Warn("handshake response rejected", logger.String("node_id", peerID), logger.Error(err))
		c.registry.BackOff(peerID)
		return
	}

	if _, err := client.Handshake(hctx, baseURL, handshake.Envelope{Confirm: confirmMsg}); err != nil {
		logger.Warn("handshake confirm round-trip failed", logger.String("node_id", peerID), logger.Error(err))
		c.registry.BackOff(peerID)
		return
	}

	c.registry.MarkReady(peerID, peer.Pins{AgreementPub: reply.Response.AgreementPub, SigningPub: reply.Response.SigningPub}, sess)
	metrics.SessionsActive.Inc()
}
