//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.medctx.app"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "medctx")
	}
	return "medctx-data"
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

// defaultsBackend stores keys in the user defaults domain through the
// defaults(1) tool.
type defaultsBackend struct {
	domain string
}

// run executes defaults with args. missing reports the exit status 1 that
// defaults uses for an absent key.
func (b *defaultsBackend) run(args ...string) (out string, missing bool, err error) {
	raw, err := exec.Command("defaults", args...).CombinedOutput()
	out = strings.TrimSpace(string(raw))
	if err == nil {
		return out, false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return "", true, nil
	}
	return "", false, fmt.Errorf("defaults %s: %w: %s", args[0], err, out)
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	out, missing, err := b.run("read", b.domain, key)
	if err != nil || missing {
		return "", false, err
	}
	return out, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *defaultsBackend) write(key, typeFlag, val string) error {
	_, _, err := b.run("write", b.domain, key, typeFlag, val)
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (b *defaultsBackend) Delete(key string) error {
	_, _, err := b.run("delete", b.domain, key)
	return err
}
