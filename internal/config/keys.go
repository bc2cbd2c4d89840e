package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CHATBRIDGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "CHATBRIDGE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHATBRIDGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "embedding.provider", typ: kString, env: "CHATBRIDGE_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.endpoint", typ: kString, env: "CHATBRIDGE_EMBEDDING_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Endpoint },
	},
	{
		key: "embedding.api_key", typ: kString, env: "CHATBRIDGE_EMBEDDING_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.model", typ: kString, env: "CHATBRIDGE_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "CHATBRIDGE_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.rate_limit", typ: kFloat, env: "CHATBRIDGE_EMBEDDING_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Embedding.RateLimit },
	},
	{
		key: "embedding.timeout", typ: kDuration, env: "CHATBRIDGE_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "model.provider", typ: kString, env: "CHATBRIDGE_MODEL_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Model.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Provider },
	},
	{
		key: "model.endpoint", typ: kString, env: "CHATBRIDGE_MODEL_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Model.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Endpoint },
	},
	{
		key: "model.api_key", typ: kString, env: "CHATBRIDGE_MODEL_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Model.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.APIKey },
	},
	{
		key: "model.name", typ: kString, env: "CHATBRIDGE_MODEL_NAME",
		apply:   func(cfg *Config, v any) { cfg.Model.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Name },
	},
	{
		key: "model.timeout", typ: kDuration, env: "CHATBRIDGE_MODEL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Model.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Model.Timeout },
	},
	{
		key: "history.backend_url", typ: kString, env: "CHATBRIDGE_HISTORY_BACKEND_URL",
		apply:   func(cfg *Config, v any) { cfg.History.BackendURL = v.(string) },
		extract: func(cfg Config) any { return cfg.History.BackendURL },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "CHATBRIDGE_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.max_chunk_chars", typ: kInt, env: "CHATBRIDGE_RETRIEVAL_MAX_CHUNK_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxChunkChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxChunkChars },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "CHATBRIDGE_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "log.level", typ: kString, env: "CHATBRIDGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text to the Go type expected by the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
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
