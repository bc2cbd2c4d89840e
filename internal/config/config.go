package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Provider names accepted by embedding.provider and model.provider.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Model     ModelConfig
	History   HistoryConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

// EmbeddingConfig selects the service that turns text into vectors.
type EmbeddingConfig struct {
	Provider  string
	Endpoint  string
	APIKey    string
	Model     string
	BatchSize int
	RateLimit float64 // requests per second, 0 disables limiting
	Timeout   time.Duration
}

// ModelConfig selects the chat model that generates replies.
type ModelConfig struct {
	Provider string
	Endpoint string
	APIKey   string
	Name     string
	Timeout  time.Duration
}

// HistoryConfig selects the conversation history backend. An empty
// BackendURL keeps history in the local SQLite database.
type HistoryConfig struct {
	BackendURL string
}

type RetrievalConfig struct {
	TopK          int
	MaxChunkChars int
	// MaxContextTokens caps the context injected into a prompt, estimated
	// at 4 chars per token. 0 keeps every retrieved chunk.
	MaxContextTokens int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			Provider:  ProviderOllama,
			Endpoint:  "http://localhost:11434",
			Model:     "nomic-embed-text",
			BatchSize: 32,
			Timeout:   30 * time.Second,
		},
		Model: ModelConfig{
			Provider: ProviderOllama,
			Endpoint: "http://localhost:11434",
			Name:     "llama3.1",
			Timeout:  60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:          3,
			MaxChunkChars: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/chatbridge/config.toml and then applies CHATBRIDGE_*
// environment variables on top. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

// loadFromPath is Load with an explicit config file location.
func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for _, p := range []struct{ section, provider, key, env string }{
		{"embedding", c.Embedding.Provider, c.Embedding.APIKey, "CHATBRIDGE_EMBEDDING_API_KEY"},
		{"model", c.Model.Provider, c.Model.APIKey, "CHATBRIDGE_MODEL_API_KEY"},
	} {
		switch p.provider {
		case ProviderOllama:
		case ProviderOpenAI:
			if p.key == "" {
				return fmt.Errorf("missing required config: %s API key. Set it via environment variable %s", p.section, p.env)
			}
		default:
			return fmt.Errorf("invalid config: unknown %s.provider %q (want %q or %q)", p.section, p.provider, ProviderOllama, ProviderOpenAI)
		}
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("invalid config: retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("invalid config: embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "chatbridge-data"
		}
	}
	return filepath.Join(dir, "chatbridge")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "chatbridge", "config.toml")
}
