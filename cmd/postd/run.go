package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postsync/post/clipboard"
	"github.com/postsync/post/coordinator"
	"github.com/postsync/post/internal/config"
	"github.com/postsync/post/internal/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the synchronization daemon in the foreground",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		logger.ErrorMsg("failed to load configuration", logger.Error(err))
		return err
	}

	// No platform clipboard backend is wired in yet; postd runs against an
	// in-process adapter until one lands (spec §4.3 is backend-agnostic).
	adapter := clipboard.NewMemoryAdapter(int(cfg.Clipboard.MaxSizeBytes))

	coord, err := coordinator.New(cfg, resolvedDataDir(), adapter)
	if err != nil {
		logger.ErrorMsg("failed to start coordinator", logger.Error(err))
		return err
	}
	defer coord.Close()

	logger.Info("postd starting", logger.String("node_id", coord.Identity().NodeID), logger.Int("port", cfg.Network.Port))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = coord.Run(ctx)
	logger.Info("postd stopped")
	return err
}
