package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is an in-memory Keychain.
type mockKeychain struct {
	secrets map[string]string
	getErr  error
	setErr  error
}

func newMockKeychain() *mockKeychain {
	return &mockKeychain{secrets: make(map[string]string)}
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.secrets[service+"/"+account]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.secrets[service+"/"+account] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when no config file exists.
func TestDefaults(t *testing.T) {
	b := newFileBackend(filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := loadWith(b, newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if !cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = false, want true")
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q, want %q", cfg.Ollama.EmbedModel, "nomic-embed-text")
	}
	if cfg.Embedding.Primary != ProviderOllama {
		t.Errorf("Embedding.Primary = %q, want %q", cfg.Embedding.Primary, ProviderOllama)
	}
	if cfg.Store.MaxMemoryMB != 100 {
		t.Errorf("Store.MaxMemoryMB = %v, want 100", cfg.Store.MaxMemoryMB)
	}
	if cfg.TermSearch.Threshold != 0.6 {
		t.Errorf("TermSearch.Threshold = %v, want 0.6", cfg.TermSearch.Threshold)
	}
	if cfg.OpenAI.APIKey != "" {
		t.Errorf("OpenAI.APIKey = %q, want empty", cfg.OpenAI.APIKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

// TestFileBackendParsing verifies every value type is read from the JSON file.
func TestFileBackendParsing(t *testing.T) {
	path := writeTempConfig(t, `{
  "server.port": 5000,
  "server.mcp_enabled": false,
  "ollama.base_url": "http://custom:11434",
  "ollama.embed_model": "mxbai-embed-large",
  "ollama.dimensions": 1024,
  "embedding.primary": "local",
  "embedding.fallbacks": "",
  "store.max_memory_mb": 12.5,
  "search.vector_weight": "0.6",
  "termsearch.recent_window_days": 14
}`)

	cfg, err := loadWith(newFileBackend(path), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = true, want false")
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.EmbedModel != "mxbai-embed-large" || cfg.Ollama.Dimensions != 1024 {
		t.Errorf("Ollama = %+v", cfg.Ollama)
	}
	if cfg.Embedding.Primary != ProviderLocal {
		t.Errorf("Embedding.Primary = %q", cfg.Embedding.Primary)
	}
	if got := cfg.Embedding.FallbackProviders(); len(got) != 0 {
		t.Errorf("FallbackProviders = %v, want none", got)
	}
	if cfg.Store.MaxMemoryMB != 12.5 {
		t.Errorf("Store.MaxMemoryMB = %v, want 12.5", cfg.Store.MaxMemoryMB)
	}
	if cfg.Search.VectorWeight != 0.6 {
		t.Errorf("Search.VectorWeight = %v, want 0.6", cfg.Search.VectorWeight)
	}
	if cfg.TermSearch.RecentWindow() != 14*24*time.Hour {
		t.Errorf("RecentWindow = %v", cfg.TermSearch.RecentWindow())
	}
}

// TestMalformedFile falls back to defaults.
func TestMalformedFile(t *testing.T) {
	path := writeTempConfig(t, `{not json`)

	cfg, err := loadWith(newFileBackend(path), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestInvalidIntInFile(t *testing.T) {
	path := writeTempConfig(t, `{"server.port": 1.5}`)

	if _, err := loadWith(newFileBackend(path), newMockKeychain()); err == nil {
		t.Fatal("expected error for fractional port")
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `{"server.port": 4500, "log.level": "warn"}`)

	t.Setenv("MEDCTX_SERVER_PORT", "5001")
	t.Setenv("MEDCTX_SEARCH_HALF_LIFE_DAYS", "90")
	t.Setenv("MEDCTX_OLLAMA_AUTO_PULL", "false")

	cfg, err := loadWith(newFileBackend(path), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5001 {
		t.Errorf("Server.Port = %d, want 5001", cfg.Server.Port)
	}
	if cfg.Search.HalfLifeDays != 90 {
		t.Errorf("Search.HalfLifeDays = %v, want 90", cfg.Search.HalfLifeDays)
	}
	if cfg.Ollama.AutoPull {
		t.Error("Ollama.AutoPull = true, want false")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

// TestInvalidEnvIgnored keeps the file value when the env value does not parse.
func TestInvalidEnvIgnored(t *testing.T) {
	path := writeTempConfig(t, `{"server.port": 4500}`)
	t.Setenv("MEDCTX_SERVER_PORT", "not-a-port")

	cfg, err := loadWith(newFileBackend(path), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4500 {
		t.Errorf("Server.Port = %d, want 4500", cfg.Server.Port)
	}
}

// TestOpenAIKeySources verifies env wins over the keychain, and that the key
// is never read from the backend.
func TestOpenAIKeySources(t *testing.T) {
	path := writeTempConfig(t, `{"openai.api_key": "file-key"}`)
	kc := newMockKeychain()
	kc.secrets["medctx/openai_api_key"] = "keychain-key"

	t.Setenv("MEDCTX_OPENAI_API_KEY", "")
	cfg, err := loadWith(newFileBackend(path), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.APIKey != "keychain-key" {
		t.Errorf("APIKey = %q, want keychain-key", cfg.OpenAI.APIKey)
	}

	t.Setenv("MEDCTX_OPENAI_API_KEY", "env-key")
	cfg, err = loadWith(newFileBackend(path), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.OpenAI.APIKey)
	}
}

func TestSetKey_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medctx", "config.json")
	b := newFileBackend(path)

	for key, value := range map[string]string{
		"server.port":         "4200",
		"server.mcp_enabled":  "false",
		"store.max_memory_mb": "64",
		"embedding.primary":   "openai",
	} {
		if err := setKey(b, key, value); err != nil {
			t.Fatalf("setKey(%s): %v", key, err)
		}
	}

	cfg, err := loadWith(newFileBackend(path), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
	if cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = true, want false")
	}
	if cfg.Store.MaxMemoryMB != 64 {
		t.Errorf("Store.MaxMemoryMB = %v, want 64", cfg.Store.MaxMemoryMB)
	}
	if cfg.Embedding.Primary != ProviderOpenAI {
		t.Errorf("Embedding.Primary = %q", cfg.Embedding.Primary)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSetKey_Errors(t *testing.T) {
	b := newFileBackend(filepath.Join(t.TempDir(), "config.json"))

	tests := []struct {
		key, value, want string
	}{
		{"openai.api_key", "sk-test", "cannot set secret"},
		{"no.such.key", "1", "unknown config key"},
		{"server.port", "abc", "invalid value"},
		{"server.mcp_enabled", "maybe", "invalid value"},
		{"store.max_memory_mb", "lots", "invalid value"},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if err == nil {
			t.Errorf("setKey(%s, %s): expected error", tt.key, tt.value)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKey(%s) error = %q, want it to contain %q", tt.key, err, tt.want)
		}
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.OpenAI.APIKey = "sk-secret"

	found := false
	for _, k := range ShowAll(cfg) {
		if k.Key == "openai.api_key" || strings.Contains(k.Value, "sk-secret") {
			t.Errorf("secret leaked in ShowAll: %+v", k)
		}
		if k.Key == "server.port" && k.Value == "4100" && k.EnvVar == "MEDCTX_SERVER_PORT" {
			found = true
		}
	}
	if !found {
		t.Error("expected server.port=4100 in ShowAll output")
	}
	if len(ValidKeys()) != len(specs)-1 {
		t.Errorf("ValidKeys() = %d keys, want %d", len(ValidKeys()), len(specs)-1)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"primary", func(c *Config) { c.Embedding.Primary = "cohere" }},
		{"fallback", func(c *Config) { c.Embedding.Fallbacks = "local, gemini" }},
		{"memory", func(c *Config) { c.Store.MaxMemoryMB = 0 }},
	}
	for _, tt := range tests {
		cfg := defaults()
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestEmbeddingDurations(t *testing.T) {
	c := EmbeddingConfig{CallTimeout: "2s", Cooldown: "bogus", Fallbacks: " openai , ,local"}
	if c.CallTimeoutDuration() != 2*time.Second {
		t.Errorf("CallTimeoutDuration = %v", c.CallTimeoutDuration())
	}
	if c.CooldownDuration() != 0 {
		t.Errorf("CooldownDuration = %v, want 0 for invalid input", c.CooldownDuration())
	}
	got := c.FallbackProviders()
	if len(got) != 2 || got[0] != "openai" || got[1] != "local" {
		t.Errorf("FallbackProviders = %v", got)
	}
}

func TestGetAPIToken_CreatesOnce(t *testing.T) {
	t.Setenv("MEDCTX_API_TOKEN", "")
	kc := newMockKeychain()

	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(first))
	}
	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Error("token changed between calls")
	}

	t.Setenv("MEDCTX_API_TOKEN", "env-token")
	got, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "env-token" {
		t.Errorf("token = %q, want env-token", got)
	}
}

func TestGetAPIToken_StoreFailure(t *testing.T) {
	t.Setenv("MEDCTX_API_TOKEN", "")
	kc := newMockKeychain()
	kc.setErr = errors.New("locked")

	if _, err := GetAPIToken(kc); err == nil {
		t.Fatal("expected error when the keychain cannot store the token")
	}
}

func TestGetVaultKey(t *testing.T) {
	t.Setenv("MEDCTX_VAULT_KEY", "")
	kc := newMockKeychain()

	key, err := GetVaultKey(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
	again, err := GetVaultKey(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(again) != string(key) {
		t.Error("vault key changed between calls")
	}

	kc.secrets["medctx/vault_key"] = "dG9vLXNob3J0"
	if _, err := GetVaultKey(kc); err == nil {
		t.Error("expected error for a stored key of the wrong size")
	}
}

func TestSetSecret(t *testing.T) {
	kc := newMockKeychain()

	if err := SetSecret(kc, "openai_api_key", "sk-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kc.secrets["medctx/openai_api_key"] != "sk-123" {
		t.Errorf("stored = %q", kc.secrets["medctx/openai_api_key"])
	}
	if err := SetSecret(kc, "password", "x"); err == nil {
		t.Error("expected error for unknown secret")
	}
	if err := SetSecret(kc, "vault_key", "not-base64!"); err == nil {
		t.Error("expected error for malformed vault key")
	}
}

// TestGetVaultKey_ReadErrorDoesNotRegenerate guards against replacing the
// vault key when the keychain is unreadable rather than empty.
func TestGetVaultKey_ReadErrorDoesNotRegenerate(t *testing.T) {
	t.Setenv("MEDCTX_VAULT_KEY", "")
	kc := newMockKeychain()
	kc.getErr = errors.New("user interaction is not allowed")

	if _, err := GetVaultKey(kc); err == nil {
		t.Fatal("expected error when the keychain cannot be read")
	}
	if len(kc.secrets) != 0 {
		t.Errorf("secrets written despite read error: %v", kc.secrets)
	}
}

func TestUnsetKey_RestoresDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)
	if err := setKey(b, "search.max_results", "25"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := unsetKey(b, "search.max_results"); err != nil {
		t.Fatalf("unsetKey: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path), newMockKeychain())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Search.MaxResults != defaults().Search.MaxResults {
		t.Errorf("Search.MaxResults = %d, want default %d", cfg.Search.MaxResults, defaults().Search.MaxResults)
	}

	if err := unsetKey(b, "openai.api_key"); err == nil {
		t.Error("unsetKey on a secret should fail")
	}
	if err := unsetKey(b, "no.such.key"); err == nil {
		t.Error("unsetKey on an unknown key should fail")
	}
}

func TestShowAll_DefaultsAndEnv(t *testing.T) {
	t.Setenv("MEDCTX_SEARCH_MAX_RESULTS", "3")
	cfg := defaults()
	cfg.Search.MaxResults = 3

	for _, k := range ShowAll(cfg) {
		switch k.Key {
		case "search.max_results":
			if k.Value != "3" || k.Default != "10" || !k.FromEnv {
				t.Errorf("search.max_results = %+v", k)
			}
		case "server.port":
			if k.FromEnv || k.Value != k.Default {
				t.Errorf("server.port = %+v", k)
			}
		}
	}
}
