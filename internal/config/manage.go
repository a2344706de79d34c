package config

import (
	"fmt"
	"os"
	"strings"
)

// KeyInfo describes a config key for display.
type KeyInfo struct {
	Key     string
	EnvVar  string
	Value   string
	Default string
	// FromEnv is set when the environment variable overrides the stored value.
	FromEnv bool
}

// ShowAll returns every non-secret key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	def := defaults()
	var out []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		out = append(out, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   fmt.Sprint(s.extract(cfg)),
			Default: fmt.Sprint(s.extract(def)),
			FromEnv: s.env != "" && os.Getenv(s.env) != "",
		})
	}
	return out
}

// SetKey validates value and writes it to the platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

// UnsetKey removes key from the platform backend so its default applies.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// lookupSpec finds the writable spec for key.
func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("cannot set secret %q via config; use environment variable %s or `medctx config set-secret`", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
}

// ValidKeys returns the non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
