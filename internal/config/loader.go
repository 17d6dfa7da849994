package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// trailingComma matches a comma followed only by whitespace before a closing
// brace or bracket. Editors leave these behind and encoding/json rejects them.
var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing, malformed or invalid
// config never fails startup: it yields DefaultConfig instead.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return withDerivedPaths(DefaultConfig())
	}

	raw, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return withDerivedPaths(DefaultConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	sanitized := Sanitize(raw)

	if err := ValidateSchema(sanitized); err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("Invalid config, using defaults")
		return withDerivedPaths(DefaultConfig())
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("ENGRAM")
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader(sanitized)); err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("Unparseable config, using defaults")
		return withDerivedPaths(DefaultConfig())
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("Unmappable config, using defaults")
		return withDerivedPaths(DefaultConfig())
	}

	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("Rejected config, using defaults")
		return withDerivedPaths(DefaultConfig())
	}

	return withDerivedPaths(cfg)
}

// Sanitize strips trailing commas so hand-edited config files still parse.
func Sanitize(raw []byte) []byte {
	return trailingComma.ReplaceAll(raw, []byte("$1"))
}

// withDerivedPaths fills in paths that default relative to the data directory
func withDerivedPaths(cfg *Config) (*Config, error) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".engram")
	}

	if cfg.Embedding.DataDir == "" {
		cfg.Embedding.DataDir = cfg.DataDir
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "engram.log")
	}

	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".engram", "engram.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
