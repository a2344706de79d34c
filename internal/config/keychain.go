package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/medctx/internal/vault"
)

const (
	keychainService = "medctx"

	apiTokenAccount  = "api_token"
	openAIKeyAccount = "openai_api_key"
	vaultKeyAccount  = "vault_key"
)

// ErrSecretNotFound is returned by a Keychain that holds no value for the
// requested account.
var ErrSecretNotFound = errors.New("secret not found")

// Keychain is the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// secretEnv maps each secret account to the environment variable that
// overrides it.
var secretEnv = map[string]string{
	apiTokenAccount:  "MEDCTX_API_TOKEN",
	openAIKeyAccount: "MEDCTX_OPENAI_API_KEY",
	vaultKeyAccount:  "MEDCTX_VAULT_KEY",
}

// GetAPIToken returns the bearer token for the local API, creating and
// storing a random one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	return getOrCreate(kc, apiTokenAccount, func() (string, error) {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generating API token: %w", err)
		}
		return hex.EncodeToString(b), nil
	})
}

// GetVaultKey returns the key that encrypts stored embeddings, creating and
// storing one on first use. Losing it makes every stored embedding
// unreadable.
func GetVaultKey(kc Keychain) ([]byte, error) {
	encoded, err := getOrCreate(kc, vaultKeyAccount, vault.GenerateKey)
	if err != nil {
		return nil, err
	}
	return vault.KeyFromBase64(encoded)
}

// SetSecret stores a named secret in the keychain.
func SetSecret(kc Keychain, name, value string) error {
	if _, ok := secretEnv[name]; !ok {
		return fmt.Errorf("unknown secret %q (valid: %s)", name, strings.Join(SecretNames(), ", "))
	}
	if name == vaultKeyAccount {
		if _, err := vault.KeyFromBase64(value); err != nil {
			return err
		}
	}
	if err := kc.Set(keychainService, name, value); err != nil {
		return fmt.Errorf("storing secret %s: %w", name, err)
	}
	return nil
}

// SecretNames lists the secrets SetSecret accepts.
func SecretNames() []string {
	return []string{apiTokenAccount, openAIKeyAccount, vaultKeyAccount}
}

func getOrCreate(kc Keychain, account string, generate func() (string, error)) (string, error) {
	if v := os.Getenv(secretEnv[account]); v != "" {
		return v, nil
	}
	v, err := kc.Get(keychainService, account)
	switch {
	case err == nil && v != "":
		return v, nil
	case err != nil && !errors.Is(err, ErrSecretNotFound):
		return "", fmt.Errorf("reading %s: %w", account, err)
	}
	v, err = generate()
	if err != nil {
		return "", err
	}
	if err := kc.Set(keychainService, account, v); err != nil {
		return "", fmt.Errorf("storing %s: %w", account, err)
	}
	return v, nil
}
