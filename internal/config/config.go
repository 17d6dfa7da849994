package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Embedding provider names accepted in the config file.
const (
	ProviderOpenAI = "openai"
	ProviderVoyage = "voyage"
	ProviderLocal  = "local"
)

// Dedup threshold bounds. Values outside this range are clamped, not rejected.
const (
	DefaultDedupThreshold = 0.25
	MinDedupThreshold     = 0.05
	MaxDedupThreshold     = 0.40
)

// DefaultLocalModel is the bundled 384-dimension sentence embedding model.
const DefaultLocalModel = "all-MiniLM-L6-v2"

// Config represents the engram configuration
type Config struct {
	// Data directory for the database, sockets and witness files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Embedding provider configuration
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// DedupThreshold is the maximum cosine distance at which two memories
	// are considered duplicates
	DedupThreshold float64 `json:"dedup_threshold" mapstructure:"dedup_threshold"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Compaction
	Compaction CompactionConfig `json:"compaction" mapstructure:"compaction"`
}

// EmbeddingConfig holds embedding provider configuration
type EmbeddingConfig struct {
	Provider   string `json:"provider" mapstructure:"provider"` // openai, voyage, local
	Model      string `json:"model" mapstructure:"model"`
	Dimensions int    `json:"dimensions" mapstructure:"dimensions"`
	BaseURL    string `json:"base_url" mapstructure:"base_url"`
	APIKey     string `json:"api_key" mapstructure:"api_key"`
	DataDir    string `json:"data_dir" mapstructure:"data_dir"`

	// ServerGracePeriod is how long the shared embedding server stays alive
	// with zero connected clients before exiting, in seconds
	ServerGracePeriod int `json:"server_grace_period" mapstructure:"server_grace_period"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
}

// CompactionConfig holds pre-compaction digest configuration
type CompactionConfig struct {
	CustomPrompt     string `json:"custom_prompt" mapstructure:"custom_prompt"`
	InlinePlanning   bool   `json:"inline_planning" mapstructure:"inline_planning"`
	MaxContextTokens int    `json:"max_context_tokens" mapstructure:"max_context_tokens"`
	SnapshotToKV     bool   `json:"snapshot_to_kv" mapstructure:"snapshot_to_kv"`
}

// DefaultConfig returns a config with default values: local 384-dim provider,
// no API keys, logging disabled.
func DefaultConfig() *Config {
	return &Config{
		DedupThreshold: DefaultDedupThreshold,
		Embedding: EmbeddingConfig{
			Provider:          ProviderLocal,
			Model:             DefaultLocalModel,
			Dimensions:        384,
			ServerGracePeriod: 300,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
		},
		Compaction: CompactionConfig{
			InlinePlanning:   true,
			MaxContextTokens: 4000,
			SnapshotToKV:     true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// ClampedDedupThreshold returns the dedup threshold clamped to its legal range.
func (c *Config) ClampedDedupThreshold() float64 {
	t := c.DedupThreshold
	if t == 0 {
		t = DefaultDedupThreshold
	}
	if t < MinDedupThreshold {
		t = MinDedupThreshold
	}
	if t > MaxDedupThreshold {
		t = MaxDedupThreshold
	}
	return t
}

// GracePeriod returns the shared server idle grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	secs := c.Embedding.ServerGracePeriod
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// DatabasePath returns the path of the memory database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "engram.db")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case ProviderOpenAI, ProviderVoyage, ProviderLocal:
	default:
		return fmt.Errorf("invalid embedding provider %q (must be: openai, voyage, local)", c.Embedding.Provider)
	}

	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding model is required")
	}
	if c.Embedding.Dimensions < 0 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if c.Embedding.Provider != ProviderLocal && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding provider %s: api_key is required", c.Embedding.Provider)
	}
	if c.Compaction.MaxContextTokens < 0 {
		return fmt.Errorf("compaction max_context_tokens must be positive")
	}

	return nil
}
