package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Storage  StorageConfig  `json:"storage"`
	Ollama   OllamaConfig   `json:"ollama"`
	Search   SearchConfig   `json:"search"`
	Cache    CacheConfig    `json:"cache"`
	Session  SessionConfig  `json:"session"`
	Backfill BackfillConfig `json:"backfill"`
	LogLevel string         `json:"log_level" env:"CHATVAULT_LOG_LEVEL"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir" env:"CHATVAULT_STORAGE_DATA_DIR"`
	// RetentionDays is the age past which purge removes messages; 0 keeps
	// everything.
	RetentionDays int `json:"retention_days" env:"CHATVAULT_STORAGE_RETENTION_DAYS"`
}

type OllamaConfig struct {
	Enabled    bool   `json:"enabled" env:"CHATVAULT_OLLAMA_ENABLED"`
	BaseURL    string `json:"base_url" env:"CHATVAULT_OLLAMA_BASE_URL"`
	ChatModel  string `json:"chat_model" env:"CHATVAULT_OLLAMA_CHAT_MODEL"`
	EmbedModel string `json:"embed_model" env:"CHATVAULT_OLLAMA_EMBED_MODEL"`
}

type SearchConfig struct {
	DefaultLimit       int     `json:"default_limit" env:"CHATVAULT_SEARCH_DEFAULT_LIMIT"`
	SemanticThreshold  int     `json:"semantic_threshold" env:"CHATVAULT_SEARCH_SEMANTIC_THRESHOLD"`
	LowResultThreshold int     `json:"low_result_threshold" env:"CHATVAULT_SEARCH_LOW_RESULT_THRESHOLD"`
	SimilarityFloor    float64 `json:"similarity_floor" env:"CHATVAULT_SEARCH_SIMILARITY_FLOOR"`
	MaxExpansions      int     `json:"max_expansions" env:"CHATVAULT_SEARCH_MAX_EXPANSIONS"`
	MaxEnrichedResults int     `json:"max_enriched_results" env:"CHATVAULT_SEARCH_MAX_ENRICHED_RESULTS"`
	Boost7d            float64 `json:"boost_7d" env:"CHATVAULT_SEARCH_BOOST_7D"`
	Boost14d           float64 `json:"boost_14d" env:"CHATVAULT_SEARCH_BOOST_14D"`
	Boost30d           float64 `json:"boost_30d" env:"CHATVAULT_SEARCH_BOOST_30D"`
	EntityEnrichment   bool    `json:"entity_enrichment" env:"CHATVAULT_SEARCH_ENTITY_ENRICHMENT"`
}

type CacheConfig struct {
	TTLSeconds int `json:"ttl_seconds" env:"CHATVAULT_CACHE_TTL_SECONDS"`
	Size       int `json:"size" env:"CHATVAULT_CACHE_SIZE"`
}

type SessionConfig struct {
	MaxHistory  int `json:"max_history" env:"CHATVAULT_SESSION_MAX_HISTORY"`
	ExpiryHours int `json:"expiry_hours" env:"CHATVAULT_SESSION_EXPIRY_HOURS"`
	MaxTopics   int `json:"max_topics" env:"CHATVAULT_SESSION_MAX_TOPICS"`
	MaxEntities int `json:"max_entities" env:"CHATVAULT_SESSION_MAX_ENTITIES"`
	MaxSessions int `json:"max_sessions" env:"CHATVAULT_SESSION_MAX_SESSIONS"`
}

type BackfillConfig struct {
	BatchSize        int `json:"batch_size" env:"CHATVAULT_BACKFILL_BATCH_SIZE"`
	PollSeconds      int `json:"poll_seconds" env:"CHATVAULT_BACKFILL_POLL_SECONDS"`
	MinContentLength int `json:"min_content_length" env:"CHATVAULT_BACKFILL_MIN_CONTENT_LENGTH"`
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			Enabled:    true,
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Search: SearchConfig{
			DefaultLimit:       20,
			SemanticThreshold:  3,
			LowResultThreshold: 10,
			SimilarityFloor:    0.55,
			MaxExpansions:      5,
			MaxEnrichedResults: 50,
			Boost7d:            0.5,
			Boost14d:           0.3,
			Boost30d:           0.1,
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
			Size:       100,
		},
		Session: SessionConfig{
			MaxHistory:  20,
			ExpiryHours: 24,
			MaxTopics:   20,
			MaxEntities: 30,
			MaxSessions: 1000,
		},
		Backfill: BackfillConfig{
			BatchSize:        50,
			PollSeconds:      5,
			MinContentLength: 10,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from defaults, then the JSON file at
// $XDG_CONFIG_HOME/chatvault/config.json if present, then CHATVAULT_*
// environment variables.
func Load() (Config, error) {
	return loadFromPath(FilePath())
}

func loadFromPath(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("reading config file: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir must be set"))
	}
	if c.Storage.RetentionDays < 0 {
		errs = append(errs, errors.New("storage.retention_days must not be negative"))
	}
	// search.New reads a zero floor as unset, so 0 is not a usable value.
	if c.Search.SimilarityFloor <= 0 || c.Search.SimilarityFloor > 1 {
		errs = append(errs, fmt.Errorf("search.similarity_floor %v out of range (0,1]", c.Search.SimilarityFloor))
	}
	if c.Search.DefaultLimit <= 0 {
		errs = append(errs, errors.New("search.default_limit must be positive"))
	}
	if c.Cache.TTLSeconds <= 0 || c.Cache.Size <= 0 {
		errs = append(errs, errors.New("cache.ttl_seconds and cache.size must be positive"))
	}
	if c.Session.MaxHistory <= 0 || c.Session.ExpiryHours <= 0 {
		errs = append(errs, errors.New("session.max_history and session.expiry_hours must be positive"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

func (c SessionConfig) Expiry() time.Duration { return time.Duration(c.ExpiryHours) * time.Hour }

func (c BackfillConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}
