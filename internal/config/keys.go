package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// specs drives Load, ShowAll and SetKey. Secret keys are never read from
// or written to the backend.
var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEDCTX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "MEDCTX_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEDCTX_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MEDCTX_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "MEDCTX_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.dimensions", typ: kInt, env: "MEDCTX_OLLAMA_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.Dimensions },
	},
	{
		key: "ollama.auto_pull", typ: kBool, env: "MEDCTX_OLLAMA_AUTO_PULL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.AutoPull = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.AutoPull },
	},
	{
		key: "openai.base_url", typ: kString, env: "MEDCTX_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.model", typ: kString, env: "MEDCTX_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Model },
	},
	{
		key: "openai.dimensions", typ: kInt, env: "MEDCTX_OPENAI_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.OpenAI.Dimensions },
	},
	{
		key: "openai.api_key", typ: kString, env: "MEDCTX_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "embedding.primary", typ: kString, env: "MEDCTX_EMBEDDING_PRIMARY",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Primary = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Primary },
	},
	{
		key: "embedding.fallbacks", typ: kString, env: "MEDCTX_EMBEDDING_FALLBACKS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Fallbacks = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Fallbacks },
	},
	{
		key: "embedding.call_timeout", typ: kString, env: "MEDCTX_EMBEDDING_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.CallTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.CallTimeout },
	},
	{
		key: "embedding.failure_threshold", typ: kInt, env: "MEDCTX_EMBEDDING_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Embedding.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.FailureThreshold },
	},
	{
		key: "embedding.cooldown", typ: kString, env: "MEDCTX_EMBEDDING_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Cooldown = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Cooldown },
	},
	{
		key: "store.max_memory_mb", typ: kFloat, env: "MEDCTX_STORE_MAX_MEMORY_MB",
		apply:   func(cfg *Config, v any) { cfg.Store.MaxMemoryMB = v.(float64) },
		extract: func(cfg Config) any { return cfg.Store.MaxMemoryMB },
	},
	{
		key: "store.load_group_size", typ: kInt, env: "MEDCTX_STORE_LOAD_GROUP_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Store.LoadGroupSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.LoadGroupSize },
	},
	{
		key: "search.max_results", typ: kInt, env: "MEDCTX_SEARCH_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxResults },
	},
	{
		key: "search.half_life_days", typ: kFloat, env: "MEDCTX_SEARCH_HALF_LIFE_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Search.HalfLifeDays = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.HalfLifeDays },
	},
	{
		key: "search.min_weight", typ: kFloat, env: "MEDCTX_SEARCH_MIN_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.MinWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.MinWeight },
	},
	{
		key: "search.vector_weight", typ: kFloat, env: "MEDCTX_SEARCH_VECTOR_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.VectorWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.VectorWeight },
	},
	{
		key: "search.keyword_weight", typ: kFloat, env: "MEDCTX_SEARCH_KEYWORD_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.KeywordWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.KeywordWeight },
	},
	{
		key: "termsearch.limit", typ: kInt, env: "MEDCTX_TERMSEARCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.TermSearch.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.TermSearch.Limit },
	},
	{
		key: "termsearch.threshold", typ: kFloat, env: "MEDCTX_TERMSEARCH_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.TermSearch.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.TermSearch.Threshold },
	},
	{
		key: "termsearch.recent_window_days", typ: kInt, env: "MEDCTX_TERMSEARCH_RECENT_WINDOW_DAYS",
		apply:   func(cfg *Config, v any) { cfg.TermSearch.RecentWindowDays = v.(int) },
		extract: func(cfg Config) any { return cfg.TermSearch.RecentWindowDays },
	},
	{
		key: "log.level", typ: kString, env: "MEDCTX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text to the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
