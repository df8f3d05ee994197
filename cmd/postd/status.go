package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/postsync/post/internal/config"
	"github.com/postsync/post/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running postd instance's /v1/status endpoint",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}

	client := transport.NewClient()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Network.Port)

	resp, err := client.Status(context.Background(), baseURL)
	if err != nil {
		return err
	}

	fmt.Printf("node_id:  %s\n", resp.NodeID)
	fmt.Printf("version:  %d\n", resp.Version)
	fmt.Printf("uptime_s: %d\n", resp.UptimeS)
	fmt.Printf("peers_ready: %d, peers_failed: %d, sessions_active: %d\n", resp.PeersReady, resp.PeersFailed, resp.SessionsActive)
	fmt.Printf("payloads sent/received/applied/suppressed: %d/%d/%d/%d\n", resp.PayloadsSent, resp.PayloadsReceived, resp.PayloadsApplied, resp.PayloadsSuppressed)
	fmt.Printf("handshakes initiated/completed/failed: %d/%d/%d\n", resp.HandshakesInitiated, resp.HandshakesCompleted, resp.HandshakesFailed)
	return nil
}
