package config

import (
	"os"
	"strconv"
)

// Environment variable names that override the matching TOML key, applied
// after file load and before validation so an operator can override a
// single value without editing the file on disk.
const (
	envNodeID         = "POST_NODE_ID"
	envSyncInterval   = "POST_SYNC_INTERVAL_MS"
	envPort           = "POST_PORT"
	envOverlayBaseURL = "POST_OVERLAY_BASE_URL"
	envMaxSizeBytes   = "POST_CLIPBOARD_MAX_SIZE_BYTES"
	envKeyRotation    = "POST_KEY_ROTATION_HOURS"
	envSkewWindow     = "POST_SKEW_WINDOW_S"
)

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv(envNodeID); ok {
		cfg.General.NodeID = v
	}
	if v, ok := envInt(envSyncInterval); ok {
		cfg.General.SyncInterval = v
	}
	if v, ok := envInt(envPort); ok {
		cfg.Network.Port = v
	}
	if v, ok := os.LookupEnv(envOverlayBaseURL); ok {
		cfg.Network.OverlayBaseURL = v
	}
	if v, ok := envInt64(envMaxSizeBytes); ok {
		cfg.Clipboard.MaxSizeBytes = v
	}
	if v, ok := envInt(envKeyRotation); ok {
		cfg.Encryption.KeyRotationHours = v
	}
	if v, ok := envInt(envSkewWindow); ok {
		cfg.Encryption.SkewWindowS = v
	}
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(name string) (int64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
