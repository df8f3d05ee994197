package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/postsync/post/errs"
)

// exitCodeFor maps a startup error to the process exit code per spec §6:
// 0 clean, 1 config error, 2 overlay unavailable past grace, 3 identity
// store locked by another instance.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errs.ErrIdentityLocked) {
		return 3
	}
	switch kind, ok := errs.KindOf(err); {
	case ok && kind == errs.Config:
		return 1
	case ok && kind == errs.Overlay:
		return 2
	case ok && kind == errs.Io:
		return 3
	default:
		return 1
	}
}

// defaultConfigPath returns $XDG_CONFIG_HOME/post/post.toml, falling back
// to ~/.config/post/post.toml.
func defaultConfigPath() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "post", "post.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "post.toml"
	}
	return filepath.Join(home, ".config", "post", "post.toml")
}

// defaultDataDir returns $XDG_DATA_HOME/post, falling back to
// ~/.local/share/post.
func defaultDataDir() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return filepath.Join(v, "post")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "post-data"
	}
	return filepath.Join(home, ".local", "share", "post")
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return defaultConfigPath()
}

func resolvedDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	return defaultDataDir()
}
