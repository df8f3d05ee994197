package coordinator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postsync/post/clipboard"
	"github.com/postsync/post/internal/config"
)

// freePort grabs an OS-assigned port and releases it immediately; good
// enough for binding a test Coordinator to a fixed, known port afterward.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// overlayStub serves a fixed {Self,Peer} snapshot at /, matching the shape
// overlay.Client expects.
func overlayStub(t *testing.T, selfID string, peers map[string]string) *httptest.Server {
	t.Helper()
	type node struct {
		ID        string   `json:"ID"`
		HostName  string   `json:"HostName"`
		Addresses []string `json:"TailscaleIPs"`
		Online    bool     `json:"Online"`
	}
	peerMap := make(map[string]node, len(peers))
	for id, addr := range peers {
		peerMap[id] = node{ID: id, HostName: id, Addresses: []string{addr}, Online: true}
	}
	body := struct {
		Self node            `json:"Self"`
		Peer map[string]node `json:"Peer"`
	}{
		Self: node{ID: selfID},
		Peer: peerMap,
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
}

func newTestConfig(port int, overlayURL string) config.Config {
	cfg := config.Defaults()
	cfg.General.NodeID = ""
	cfg.Network.Port = port
	cfg.Network.OverlayBaseURL = overlayURL
	cfg.General.SyncInterval = 20
	return cfg
}

func TestNewWiresIdentityAndRegistry(t *testing.T) {
	overlaySrv := overlayStub(t, "alice", nil)
	defer overlaySrv.Close()

	cfg := newTestConfig(freePort(t), overlaySrv.URL)
	c, err := New(cfg, t.TempDir(), clipboard.NewMemoryAdapter(0))
	require.NoError(t, err)
	defer c.Close()

	assert.NotEmpty(t, c.Identity().NodeID)
	assert.NotNil(t, c.Registry())
}

func TestNewRejectsWhenIdentityLocked(t *testing.T) {
	overlaySrv := overlayStub(t, "alice", nil)
	defer overlaySrv.Close()

	dir := t.TempDir()
	cfg := newTestConfig(freePort(t), overlaySrv.URL)

	first, err := New(cfg, dir, clipboard.NewMemoryAdapter(0))
	require.NoError(t, err)
	defer first.Close()

	_, err = New(cfg, dir, clipboard.NewMemoryAdapter(0))
	require.Error(t, err, "a second coordinator over the same data dir must fail to acquire the identity lock")
}

func TestEndToEndTwoCoordinatorsHandshakeAndSync(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)

	adapterA := clipboard.NewMemoryAdapter(0)
	adapterB := clipboard.NewMemoryAdapter(0)

	cfgA := newTestConfig(portA, "")
	cfgA.General.NodeID = "coordinator-a"
	cfgB := newTestConfig(portB, "")
	cfgB.General.NodeID = "coordinator-b"

	overlayA := overlayStub(t, cfgA.General.NodeID, map[string]string{cfgB.General.NodeID: "127.0.0.1"})
	defer overlayA.Close()
	overlayB := overlayStub(t, cfgB.General.NodeID, map[string]string{cfgA.General.NodeID: "127.0.0.1"})
	defer overlayB.Close()
	cfgA.Network.OverlayBaseURL = overlayA.URL
	cfgB.Network.OverlayBaseURL = overlayB.URL

	coordA, err := New(cfgA, t.TempDir(), adapterA)
	require.NoError(t, err)
	defer coordA.Close()
	coordB, err := New(cfgB, t.TempDir(), adapterB)
	require.NoError(t, err)
	defer coordB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coordA.Run(ctx)
	go coordB.Run(ctx)

	require.NoError(t, adapterA.Set(coordA.Identity().NodeID, []byte("hello from a"), clipboard.MIMEText))

	assert.Eventually(t, func() bool {
		p, ok, _ := adapterB.Read()
		return ok && string(p.Content) == "hello from a"
	}, 10*time.Second, 50*time.Millisecond)
}
