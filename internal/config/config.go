// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.zerag/config.yaml)
//  3. Default values
//
// Main categories:
//   - AI: generation model, embedder model and dimension
//   - Storage: PostgreSQL connection (see storage.go)
//   - Retrieval: reranker, caches, chunking defaults
//   - Crawler: web data-source fetch limits
//
// Sensitive values (passwords) are masked in MarshalJSON/String and are
// never logged in the clear.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation.
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidEmbedderDimension indicates the embedder dimension is out of range.
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is empty.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidTopK indicates the default top-k is out of range.
	ErrInvalidTopK = errors.New("invalid top_k")

	// ErrInvalidCacheSize indicates a cache capacity is non-positive.
	ErrInvalidCacheSize = errors.New("invalid cache size")

	// ErrInvalidChunkSize indicates chunk size/overlap are inconsistent.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidMultiplier indicates the reranker candidate multiplier is out of range.
	ErrInvalidMultiplier = errors.New("invalid reranker candidate multiplier")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to the configured dimension
	// via OutputDimensionality (Matryoshka Representation Learning).
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultEmbedderDimension matches the pgvector column in db/migrations.
	// Changing it requires a destructive re-embed of every stored vector.
	DefaultEmbedderDimension = 768

	// DefaultTopK is the number of chunks returned by a question when the
	// caller does not specify one.
	DefaultTopK = 5
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// AI provider and model configuration
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderDim   int    `mapstructure:"embedder_dimension" json:"embedder_dimension"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Retrieval configuration
	TopK                 int    `mapstructure:"top_k" json:"top_k"`
	EnableReranker       bool   `mapstructure:"enable_reranker" json:"enable_reranker"`
	RerankerEndpoint     string `mapstructure:"reranker_endpoint" json:"reranker_endpoint"`
	RerankerCandidateMul int    `mapstructure:"reranker_candidate_multiplier" json:"reranker_candidate_multiplier"`

	// Cache configuration
	EnableEmbeddingCache bool `mapstructure:"enable_embedding_cache" json:"enable_embedding_cache"`
	EmbeddingCacheSize   int  `mapstructure:"embedding_cache_size" json:"embedding_cache_size"`
	EnableResultCache    bool `mapstructure:"enable_result_cache" json:"enable_result_cache"`
	ResultCacheSize      int  `mapstructure:"result_cache_size" json:"result_cache_size"`
	ResultCacheTTLSec    int  `mapstructure:"result_cache_ttl" json:"result_cache_ttl"`

	// Chunking defaults
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Web crawler limits
	CrawlerParallelism int `mapstructure:"crawler_parallelism" json:"crawler_parallelism"`
	CrawlerDelayMS     int `mapstructure:"crawler_delay_ms" json:"crawler_delay_ms"`
	CrawlerTimeoutMS   int `mapstructure:"crawler_timeout_ms" json:"crawler_timeout_ms"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".zerag")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL takes priority over individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("embedder_dimension", DefaultEmbedderDimension)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "zerag")
	viper.SetDefault("postgres_password", "zerag_dev_password")
	viper.SetDefault("postgres_db_name", "zerag")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("top_k", DefaultTopK)
	viper.SetDefault("enable_reranker", false)
	viper.SetDefault("reranker_endpoint", "")
	viper.SetDefault("reranker_candidate_multiplier", 3)

	viper.SetDefault("enable_embedding_cache", true)
	viper.SetDefault("embedding_cache_size", 2000)
	viper.SetDefault("enable_result_cache", true)
	viper.SetDefault("result_cache_size", 200)
	viper.SetDefault("result_cache_ttl", 300)

	viper.SetDefault("chunk_size", 512)
	viper.SetDefault("chunk_overlap", 64)

	viper.SetDefault("crawler_parallelism", 2)
	viper.SetDefault("crawler_delay_ms", 1000)
	viper.SetDefault("crawler_timeout_ms", 30000)
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("model_name", "ZERAG_MODEL_NAME")
	mustBind("embedder_model", "ZERAG_EMBEDDER_MODEL")
	mustBind("embedder_dimension", "ZERAG_EMBEDDER_DIMENSION")
	mustBind("enable_reranker", "ZERAG_ENABLE_RERANKER")
	mustBind("reranker_endpoint", "ZERAG_RERANKER_ENDPOINT")
	mustBind("postgres_password", "ZERAG_POSTGRES_PASSWORD")
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked to prevent substring matching; longer ones keep two characters
// at each end for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
