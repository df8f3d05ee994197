package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "postd",
	Short: "post is a peer-to-peer clipboard synchronization daemon",
	Long: `postd synchronizes clipboard content across machines reachable through
an overlay network, over a mutually authenticated, end-to-end encrypted
channel between peers.`,
}

var (
	configPath string
	dataDir    string
)

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to post.toml (defaults to the platform config directory)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "path to persisted identity/pins state (defaults to the platform data directory)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}
