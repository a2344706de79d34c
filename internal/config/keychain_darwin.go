//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// errSecItemNotFound is the exit status security(1) uses for a missing item.
const errSecItemNotFound = 44

// NewKeychain returns the login keychain.
func NewKeychain() Keychain {
	return securityKeychain{}
}

// securityKeychain stores generic passwords through security(1).
type securityKeychain struct{}

func (securityKeychain) Get(service, account string) (string, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == errSecItemNotFound {
			return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, service, account)
		}
		return "", fmt.Errorf("keychain lookup %s/%s: %w", service, account, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Set adds the item or, with -U, updates it in place.
func (securityKeychain) Set(service, account, value string) error {
	out, err := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("keychain write %s/%s: %w: %s", service, account, err, strings.TrimSpace(string(out)))
	}
	return nil
}
