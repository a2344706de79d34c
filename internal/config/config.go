package config

import (
	"fmt"
	"strings"
	"time"
)

// Embedding provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Ollama     OllamaConfig
	OpenAI     OpenAIConfig
	Embedding  EmbeddingConfig
	Store      StoreConfig
	Search     SearchConfig
	TermSearch TermSearchConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	Dimensions int
	// AutoPull pulls the embedding model at startup when it is missing.
	AutoPull bool
}

type OpenAIConfig struct {
	BaseURL    string
	Model      string
	Dimensions int
	APIKey     string
}

type EmbeddingConfig struct {
	// Primary is one of the Provider* names.
	Primary string
	// Fallbacks is a comma-separated provider list tried after Primary.
	Fallbacks        string
	CallTimeout      string
	FailureThreshold int
	Cooldown         string
}

type StoreConfig struct {
	MaxMemoryMB   float64
	LoadGroupSize int
}

type SearchConfig struct {
	MaxResults    int
	HalfLifeDays  float64
	MinWeight     float64
	VectorWeight  float64
	KeywordWeight float64
}

type TermSearchConfig struct {
	Limit            int
	Threshold        float64
	RecentWindowDays int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:       4100,
			MCPEnabled: true,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			Dimensions: 768,
			AutoPull:   true,
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
		Embedding: EmbeddingConfig{
			Primary:          ProviderOllama,
			Fallbacks:        "openai,local",
			CallTimeout:      "15s",
			FailureThreshold: 3,
			Cooldown:         "30s",
		},
		Store: StoreConfig{
			MaxMemoryMB:   100,
			LoadGroupSize: 10,
		},
		Search: SearchConfig{
			MaxResults:    10,
			HalfLifeDays:  365,
			MinWeight:     0.1,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
		},
		TermSearch: TermSearchConfig{
			Limit:            10,
			Threshold:        0.6,
			RecentWindowDays: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.medctx.app) and secrets
// live in the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/medctx/config.json
// and secrets are kept in $XDG_DATA_HOME/medctx/secrets.json.
//
// Environment variables (MEDCTX_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The OpenAI key is optional; without it the provider stays unregistered.
	if cfg.OpenAI.APIKey == "" {
		if key, err := kc.Get(keychainService, openAIKeyAccount); err == nil && key != "" {
			cfg.OpenAI.APIKey = key
		}
	}

	return cfg, nil
}

// FallbackProviders splits Embedding.Fallbacks into provider names.
func (c EmbeddingConfig) FallbackProviders() []string {
	var out []string
	for _, name := range strings.Split(c.Fallbacks, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// CallTimeoutDuration parses CallTimeout; invalid values yield zero, which
// selects the registry default.
func (c EmbeddingConfig) CallTimeoutDuration() time.Duration {
	return parseDuration(c.CallTimeout)
}

// CooldownDuration parses Cooldown; invalid values yield zero.
func (c EmbeddingConfig) CooldownDuration() time.Duration {
	return parseDuration(c.Cooldown)
}

// RecentWindow converts RecentWindowDays to a duration.
func (c TermSearchConfig) RecentWindow() time.Duration {
	return time.Duration(c.RecentWindowDays) * 24 * time.Hour
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Validate reports settings that would prevent the server from starting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	for _, name := range append([]string{c.Embedding.Primary}, c.Embedding.FallbackProviders()...) {
		switch name {
		case ProviderOllama, ProviderOpenAI, ProviderLocal:
		default:
			return fmt.Errorf("unknown embedding provider %q (valid: ollama, openai, local)", name)
		}
	}
	if c.Store.MaxMemoryMB <= 0 {
		return fmt.Errorf("store.max_memory_mb must be positive, got %v", c.Store.MaxMemoryMB)
	}
	return nil
}
