//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// NewKeychain returns the file-backed secret store at
// $XDG_DATA_HOME/medctx/secrets.json.
func NewKeychain() Keychain {
	return fileKeychain{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

// fileKeychain keeps secrets in a 0600 JSON file keyed by service, then
// account.
type fileKeychain struct {
	path string
}

type secretFile map[string]map[string]string

// load returns an empty set when the file does not exist yet.
func (k fileKeychain) load() (secretFile, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return secretFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := secretFile{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", k.path, err)
	}
	return secrets, nil
}

func (k fileKeychain) Get(service, account string) (string, error) {
	secrets, err := k.load()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, service, account)
	}
	return val, nil
}

func (k fileKeychain) Set(service, account, value string) error {
	secrets, err := k.load()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(k.path, out, 0o600)
}
