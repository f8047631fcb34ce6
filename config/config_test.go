package config

import (
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Server: ServerConfig{Address: ":0", JWTSecret: "secret", TokenTTL: time.Hour},
		LLM: LLMConfig{
			APIKey: "sk-test",
			Models: map[string]LLMModel{
				"gpt-4o":      {Name: "gpt-4o", APIName: "gpt-4o"},
				"gpt-4o-mini": {Name: "gpt-4o-mini", APIName: "gpt-4o-mini"},
			},
			Routing: LLMRoutingConfig{
				Planning:     "gpt-4o",
				Verification: "gpt-4o-mini",
				Synthesis:    "gpt-4o",
				Fallback:     "gpt-4o-mini",
			},
		},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-large", Dimension: 3072},
		Memory: MemoryConfig{
			TopK:          3,
			RerankEnabled: true,
			RerankWeights: RerankWeights{
				Semantic: 0.40, Temporal: 0.25, Importance: 0.15, Frequency: 0.10, Contextual: 0.10,
			},
			RetentionMaxScore: 7,
		},
	}
}

func TestValidateConfigAccepts(t *testing.T) {
	if err := validateConfig(baseConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateConfigRejectsDimensionMismatch(t *testing.T) {
	cfg := baseConfig()
	cfg.Embedding.Dimension = 1536
	err := validateConfig(cfg)
	if err == nil {
		t.Fatalf("expected error for 1536 dims with text-embedding-3-large")
	}
	if !strings.Contains(err.Error(), "3072") {
		t.Fatalf("error should name the expected dimension, got: %v", err)
	}
}

func TestValidateConfigAcceptsSmallModelPairing(t *testing.T) {
	cfg := baseConfig()
	cfg.Embedding.Model = "text-embedding-3-small"
	cfg.Embedding.Dimension = 1536
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("small model with 1536 dims should validate, got %v", err)
	}
}

func TestValidateConfigRejectsWeightSum(t *testing.T) {
	cfg := baseConfig()
	cfg.Memory.RerankWeights.Semantic = 0.50
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for weights summing to 1.10")
	}
}

func TestWeightSumIgnoredWhenRerankDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Memory.RerankWeights.Semantic = 0.50
	cfg.Memory.RerankEnabled = false
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("weights are not checked with rerank disabled, got %v", err)
	}
}

func TestValidateConfigRejectsUnknownRoutingModel(t *testing.T) {
	cfg := baseConfig()
	cfg.LLM.Routing.Planning = "gpt-9"
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for unrouted model name")
	}
}

func TestValidateConfigRejectsMissingAPIKey(t *testing.T) {
	cfg := baseConfig()
	cfg.LLM.APIKey = ""
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestValidateConfigRejectsBadCron(t *testing.T) {
	cfg := baseConfig()
	cfg.Memory.MaintenanceSchedule = "not a cron line"
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for malformed cron expression")
	}
}

func TestRerankWeightsSum(t *testing.T) {
	w := RerankWeights{Semantic: 0.40, Temporal: 0.25, Importance: 0.15, Frequency: 0.10, Contextual: 0.10}
	if got := w.Sum(); got < 0.999999999 || got > 1.000000001 {
		t.Fatalf("expected weights to sum to 1.0, got %v", got)
	}
}
