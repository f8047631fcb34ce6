package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"
)

// Config holds all configuration for the agent system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug        bool   `mapstructure:"debug"`
	LogLevel     string `mapstructure:"log_level"`
	DataDir      string `mapstructure:"data_dir"`
	ArtifactsDir string `mapstructure:"artifacts_dir"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	CookieName     string        `mapstructure:"cookie_name"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

// LLMConfig contains LLM provider configuration
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Models     map[string]LLMModel `mapstructure:"models"`
	Routing    LLMRoutingConfig    `mapstructure:"routing"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for each stage of a turn
type LLMRoutingConfig struct {
	Planning       string `mapstructure:"planning"`
	Verification   string `mapstructure:"verification"`
	Repair         string `mapstructure:"repair"`
	DeepAnalysis   string `mapstructure:"deep_analysis"`
	Synthesis      string `mapstructure:"synthesis"`
	Simple         string `mapstructure:"simple"`
	Categorization string `mapstructure:"categorization"`
	Fallback       string `mapstructure:"fallback"`
}

// EmbeddingConfig contains embedding provider and cache settings.
// Dimension must match the model: text-embedding-3-large produces 3072,
// text-embedding-3-small produces 1536. A mismatch is fatal at startup.
type EmbeddingConfig struct {
	Provider  string               `mapstructure:"provider"`
	Model     string               `mapstructure:"model"`
	Dimension int                  `mapstructure:"dimension"`
	Timeout   time.Duration        `mapstructure:"timeout"`
	Cache     EmbeddingCacheConfig `mapstructure:"cache"`
}

// EmbeddingCacheConfig contains the two-tier embedding cache settings
type EmbeddingCacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Dir        string        `mapstructure:"dir"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// MemoryConfig contains semantic memory store settings
type MemoryConfig struct {
	DatabasePath        string        `mapstructure:"database_path"`
	IndexPath           string        `mapstructure:"index_path"`
	TopK                int           `mapstructure:"top_k"`
	RerankEnabled       bool          `mapstructure:"rerank_enabled"`
	RerankWeights       RerankWeights `mapstructure:"rerank_weights"`
	HistoryWindow       int           `mapstructure:"history_window"`
	RetentionDays       int           `mapstructure:"retention_days"`
	RetentionMaxScore   int           `mapstructure:"retention_max_score"`
	MaintenanceSchedule string        `mapstructure:"maintenance_schedule"`
}

// RerankWeights is the weighted-scoring table for memory retrieval.
// The five weights must sum to 1.0.
type RerankWeights struct {
	Semantic   float64 `mapstructure:"semantic"`
	Temporal   float64 `mapstructure:"temporal"`
	Importance float64 `mapstructure:"importance"`
	Frequency  float64 `mapstructure:"frequency"`
	Contextual float64 `mapstructure:"contextual"`
}

// Sum returns the total of all weights.
func (w RerankWeights) Sum() float64 {
	return w.Semantic + w.Temporal + w.Importance + w.Frequency + w.Contextual
}

// ToolsConfig contains per-adapter tool settings
type ToolsConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	Shell     ShellConfig     `mapstructure:"shell"`
	Python    PythonConfig    `mapstructure:"python"`
}

// WebSearchConfig contains web search adapter settings
type WebSearchConfig struct {
	Provider      string        `mapstructure:"provider"`
	APIKey        string        `mapstructure:"api_key"`
	MaxResults    int           `mapstructure:"max_results"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FetchTop      int           `mapstructure:"fetch_top"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	FetchMaxChars int           `mapstructure:"fetch_max_chars"`
}

// ShellConfig contains shell adapter settings
type ShellConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	WorkDir string        `mapstructure:"work_dir"`
}

// PythonConfig contains python code adapter settings
type PythonConfig struct {
	Interpreter string        `mapstructure:"interpreter"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PipTimeout  time.Duration `mapstructure:"pip_timeout"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	CostTracking   bool          `mapstructure:"cost_tracking"`
	PeriodicLogs   bool          `mapstructure:"periodic_logs"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// LoadConfig loads configuration from file and environment variables. An
// explicit path overrides the default search in ./config and the working
// directory.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("anima")
		viper.SetConfigType("json")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("ANIMA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// A missing file is fine when searching; defaults plus env cover a dev
	// setup. An explicitly named file must exist.
	if err := viper.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// General defaults
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.data_dir", "./data")
	viper.SetDefault("general.artifacts_dir", "./data/artifacts")

	// Server defaults
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.cookie_name", "anima_token")
	viper.SetDefault("server.allowed_origins", []string{"*"})
	viper.SetDefault("server.token_ttl", "24h")

	// LLM defaults
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.timeout", "120s")
	viper.SetDefault("llm.max_retries", 2)
	viper.SetDefault("llm.routing.planning", "gpt-4o")
	viper.SetDefault("llm.routing.verification", "gpt-4o-mini")
	viper.SetDefault("llm.routing.repair", "gpt-4o-mini")
	viper.SetDefault("llm.routing.deep_analysis", "gpt-4o")
	viper.SetDefault("llm.routing.synthesis", "gpt-4o")
	viper.SetDefault("llm.routing.simple", "gpt-4o-mini")
	viper.SetDefault("llm.routing.categorization", "gpt-4o-mini")
	viper.SetDefault("llm.routing.fallback", "gpt-4o-mini")

	// Embedding defaults
	viper.SetDefault("embedding.provider", "openai")
	viper.SetDefault("embedding.model", "text-embedding-3-large")
	viper.SetDefault("embedding.dimension", 3072)
	viper.SetDefault("embedding.timeout", "30s")
	viper.SetDefault("embedding.cache.enabled", true)
	viper.SetDefault("embedding.cache.dir", "./data/embedding_cache")
	viper.SetDefault("embedding.cache.ttl", "24h")
	viper.SetDefault("embedding.cache.max_entries", 1000)

	// Memory defaults
	viper.SetDefault("memory.database_path", "./data/memory.db")
	viper.SetDefault("memory.index_path", "./data/memory.index")
	viper.SetDefault("memory.top_k", 3)
	viper.SetDefault("memory.rerank_enabled", true)
	viper.SetDefault("memory.rerank_weights.semantic", 0.40)
	viper.SetDefault("memory.rerank_weights.temporal", 0.25)
	viper.SetDefault("memory.rerank_weights.importance", 0.15)
	viper.SetDefault("memory.rerank_weights.frequency", 0.10)
	viper.SetDefault("memory.rerank_weights.contextual", 0.10)
	viper.SetDefault("memory.history_window", 5)
	viper.SetDefault("memory.retention_days", 90)
	viper.SetDefault("memory.retention_max_score", 7)
	viper.SetDefault("memory.maintenance_schedule", "0 4 * * *")

	// Tool defaults
	viper.SetDefault("tools.web_search.provider", "serper")
	viper.SetDefault("tools.web_search.max_results", 5)
	viper.SetDefault("tools.web_search.timeout", "30s")
	viper.SetDefault("tools.web_search.fetch_top", 0)
	viper.SetDefault("tools.web_search.fetch_timeout", "20s")
	viper.SetDefault("tools.web_search.fetch_max_chars", 4000)
	viper.SetDefault("tools.shell.timeout", "60s")
	viper.SetDefault("tools.python.interpreter", "python3")
	viper.SetDefault("tools.python.timeout", "120s")
	viper.SetDefault("tools.python.pip_timeout", "180s")

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)
	viper.SetDefault("telemetry.periodic_logs", false)
	viper.SetDefault("telemetry.report_interval", "5m")
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		viper.Set("llm.api_key", apiKey)
	}
	if apiKey := os.Getenv("SERPER_API_KEY"); apiKey != "" {
		viper.Set("tools.web_search.api_key", apiKey)
	}
	if apiKey := os.Getenv("BRAVE_SEARCH_KEY"); apiKey != "" {
		viper.Set("tools.web_search.provider", "brave")
		viper.Set("tools.web_search.api_key", apiKey)
	}
	if secret := os.Getenv("ANIMA_JWT_SECRET"); secret != "" {
		viper.Set("server.jwt_secret", secret)
	}
}

// embeddingDimensions maps known embedding models to their output width
var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
}

// validateConfig validates the configuration. Errors here are fatal at
// startup: a half-configured agent must not come up.
func validateConfig(config *Config) error {
	if config.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set OPENAI_API_KEY)")
	}

	// Every routing entry must name a configured model
	routingModels := []string{
		config.LLM.Routing.Planning,
		config.LLM.Routing.Verification,
		config.LLM.Routing.Repair,
		config.LLM.Routing.DeepAnalysis,
		config.LLM.Routing.Synthesis,
		config.LLM.Routing.Simple,
		config.LLM.Routing.Categorization,
		config.LLM.Routing.Fallback,
	}
	for _, model := range routingModels {
		if model == "" {
			continue
		}
		if _, ok := config.LLM.Models[model]; !ok {
			return fmt.Errorf("routing model %q not found in llm.models", model)
		}
	}

	// The embedding dimension and model must agree; the vector index and
	// every stored embedding depend on this width
	if config.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if want, ok := embeddingDimensions[config.Embedding.Model]; ok && want != config.Embedding.Dimension {
		return fmt.Errorf("embedding model %q produces %d dimensions, configured %d",
			config.Embedding.Model, want, config.Embedding.Dimension)
	}

	if config.Memory.TopK <= 0 {
		return fmt.Errorf("memory.top_k must be positive")
	}
	if config.Memory.HistoryWindow < 0 {
		return fmt.Errorf("memory.history_window must not be negative")
	}
	if config.Memory.RerankEnabled {
		if sum := config.Memory.RerankWeights.Sum(); math.Abs(sum-1.0) > 1e-9 {
			return fmt.Errorf("memory.rerank_weights must sum to 1.0, got %v", sum)
		}
	}
	if config.Memory.RetentionMaxScore < 1 || config.Memory.RetentionMaxScore > 10 {
		return fmt.Errorf("memory.retention_max_score must be in 1..10")
	}
	if sched := config.Memory.MaintenanceSchedule; sched != "" {
		if _, err := cronexpr.Parse(sched); err != nil {
			return fmt.Errorf("invalid memory.maintenance_schedule %q: %w", sched, err)
		}
	}

	if config.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required (set ANIMA_JWT_SECRET)")
	}

	return nil
}
