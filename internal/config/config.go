// Package config loads the daemon's TOML configuration file: recognized
// keys per spec §6, defaults applied for anything absent, and an
// environment-variable override layer on top of the file, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/postsync/post/errs"
)

// General carries daemon identity and sync-loop cadence.
type General struct {
	NodeID        string `toml:"node_id"`
	SyncInterval  int    `toml:"sync_interval_ms"`
}

// Network carries transport listen and overlay discovery settings.
type Network struct {
	Port            int    `toml:"port"`
	OverlayBaseURL  string `toml:"overlay_base_url"`
}

// Clipboard bounds the size of values the sync engine will pick up.
type Clipboard struct {
	MaxSizeBytes int64 `toml:"max_size_bytes"`
}

// Encryption carries identity rotation cadence and inbound clock-skew
// tolerance. PBKDF2Rounds is recognized but unused: key agreement is
// X25519+HKDF, not a password-wrapped identity, per spec §9(b). It is
// parsed and preserved so a future password-wrapped identity feature has
// somewhere to read it from, but no code path consults it today.
type Encryption struct {
	KeyRotationHours int `toml:"key_rotation_hours"`
	SkewWindowS      int `toml:"skew_window_s"`
	PBKDF2Rounds     int `toml:"pbkdf2_rounds"`
}

// Config is the fully-resolved, validated configuration the rest of the
// daemon is built from.
type Config struct {
	General    General    `toml:"general"`
	Network    Network    `toml:"network"`
	Clipboard  Clipboard  `toml:"clipboard"`
	Encryption Encryption `toml:"encryption"`
}

// Defaults returns the configuration the daemon runs with when the file
// is absent or a key is unset.
func Defaults() Config {
	return Config{
		General: General{
			SyncInterval: 500,
		},
		Network: Network{
			Port:           8412,
			OverlayBaseURL: "http://127.0.0.1:41112",
		},
		Clipboard: Clipboard{
			MaxSizeBytes: 1_048_576,
		},
		Encryption: Encryption{
			KeyRotationHours: 24,
			SkewWindowS:      120,
		},
	}
}

// Load reads path, falling back silently to Defaults() if it does not
// exist (a missing config file is not an error; an unreadable or
// malformed one is). Zero-valued fields left over from an incomplete
// file are backfilled from Defaults before env overrides and validation
// run.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var fromFile Config
			if _, err := toml.DecodeFile(path, &fromFile); err != nil {
				return Config{}, errs.New(errs.Config, "config.Load", err)
			}
			cfg = mergeDefaults(fromFile, cfg)
		} else if !os.IsNotExist(err) {
			return Config{}, errs.New(errs.Config, "config.Load", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeDefaults backfills zero-valued fields in cfg with the matching
// field from defaults, so an incomplete TOML file only overrides the
// keys it actually sets.
func mergeDefaults(cfg, defaults Config) Config {
	if cfg.General.SyncInterval == 0 {
		cfg.General.SyncInterval = defaults.General.SyncInterval
	}
	if cfg.Network.Port == 0 {
		cfg.Network.Port = defaults.Network.Port
	}
	if cfg.Network.OverlayBaseURL == "" {
		cfg.Network.OverlayBaseURL = defaults.Network.OverlayBaseURL
	}
	if cfg.Clipboard.MaxSizeBytes == 0 {
		cfg.Clipboard.MaxSizeBytes = defaults.Clipboard.MaxSizeBytes
	}
	if cfg.Encryption.KeyRotationHours == 0 {
		cfg.Encryption.KeyRotationHours = defaults.Encryption.KeyRotationHours
	}
	if cfg.Encryption.SkewWindowS == 0 {
		cfg.Encryption.SkewWindowS = defaults.Encryption.SkewWindowS
	}
	return cfg
}

// SyncInterval returns general.sync_interval_ms as a time.Duration.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.General.SyncInterval) * time.Millisecond
}

// SkewWindow returns encryption.skew_window_s as a time.Duration.
func (c Config) SkewWindow() time.Duration {
	return time.Duration(c.Encryption.SkewWindowS) * time.Second
}

// KeyRotationInterval returns encryption.key_rotation_hours as a time.Duration.
func (c Config) KeyRotationInterval() time.Duration {
	return time.Duration(c.Encryption.KeyRotationHours) * time.Hour
}

func validate(cfg Config) error {
	var problems []string

	if cfg.Network.Port <= 0 || cfg.Network.Port > 65535 {
		problems = append(problems, fmt.Sprintf("network.port: %d is out of range", cfg.Network.Port))
	}
	if cfg.General.SyncInterval <= 0 {
		problems = append(problems, "general.sync_interval_ms: must be positive")
	}
	if cfg.Clipboard.MaxSizeBytes <= 0 {
		problems = append(problems, "clipboard.max_size_bytes: must be positive")
	}
	if cfg.Encryption.KeyRotationHours <= 0 {
		problems = append(problems, "encryption.key_rotation_hours: must be positive")
	}
	if cfg.Encryption.SkewWindowS <= 0 {
		problems = append(problems, "encryption.skew_window_s: must be positive")
	}
	if cfg.Network.OverlayBaseURL == "" {
		problems = append(problems, "network.overlay_base_url: must not be empty")
	}

	if len(problems) > 0 {
		return errs.New(errs.Config, "config.validate", fmt.Errorf("%s: %v", errs.ErrConfigInvalid, problems))
	}
	return nil
}
