package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/postsync/post/identity"
	"github.com/postsync/post/internal/config"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect or manage this node's identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current node_id and key generation",
	RunE:  runIdentityShow,
}

var identityRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the agreement and signing keys, invalidating all sessions",
	RunE:  runIdentityRotate,
}

var identityResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Destroy the local identity and pinned peers, forcing a brand-new node_id and keys on next start",
	RunE:  runIdentityReset,
}

func init() {
	identityCmd.AddCommand(identityShowCmd, identityRotateCmd, identityResetCmd)
	rootCmd.AddCommand(identityCmd)
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}

	store, err := identity.Open(resolvedDataDir())
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.LoadOrCreate(cfg.General.NodeID)
	if err != nil {
		return err
	}

	fmt.Printf("node_id:    %s\n", id.NodeID)
	fmt.Printf("generation: %d\n", id.Generation)
	fmt.Printf("rotated_at: %s\n", id.RotatedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("agreement:  %s\n", hex.EncodeToString(id.Agreement.PublicKey()))
	fmt.Printf("signing:    %s\n", hex.EncodeToString(id.Signing.PublicKey()))
	return nil
}

func runIdentityRotate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}

	store, err := identity.Open(resolvedDataDir())
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.LoadOrCreate(cfg.General.NodeID); err != nil {
		return err
	}

	next, err := store.Rotate()
	if err != nil {
		return err
	}
	fmt.Printf("rotated to generation %d\n", next.Generation)
	return nil
}

// runIdentityReset destroys the local identity outright, removing both
// identity.bin and the pinned peers.json rather than just clearing pins.
// Opening the store first means reset fails with ErrIdentityLocked while
// postd is running, same as rotate.
func runIdentityReset(cmd *cobra.Command, args []string) error {
	store, err := identity.Open(resolvedDataDir())
	if err != nil {
		return err
	}
	store.Close()

	dir := resolvedDataDir()
	if err := os.Remove(filepath.Join(dir, "identity.bin")); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(filepath.Join(dir, "peers.json")); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Println("identity and pinned peers destroyed; a new node_id and keys are generated on next start")
	return nil
}
