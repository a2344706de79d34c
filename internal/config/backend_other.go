//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", ".local/share", "medctx-data")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config", "medctx-config"), "config.json")
}

// xdgDir returns $env/medctx, or ~/homeRel/medctx when env is unset. When no
// home directory is known it falls back to the relative path fallback.
func xdgDir(env, homeRel, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "medctx")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, filepath.FromSlash(homeRel), "medctx")
}
