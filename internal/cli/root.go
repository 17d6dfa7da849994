package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/logger"
	"github.com/engramdev/engram/pkg/embedding"
	"github.com/engramdev/engram/pkg/memory"
	"github.com/engramdev/engram/pkg/vector"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Engram - project-scoped memory engine for AI coding assistants",
	Long: `Engram stores short natural-language facts per project, retrieves them
by semantic similarity, and assembles token-budgeted digests before the
assistant's context is compacted.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.engram/engram.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig loads config from --config or the default location. Bad config
// degrades to defaults and never fails the command.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger builds the command's logger from config plus the --log-level flag
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	lc := logger.Config{
		Level:   logLevel,
		Console: true,
		Pretty:  true,
	}
	if cfg.Logging.Enabled {
		lc.File = cfg.Logging.File
		if cfg.Logging.Level != "" && logLevel == "info" {
			lc.Level = cfg.Logging.Level
		}
	}
	return logger.New(lc)
}

// serviceStack groups everything a command needs to act on memories
type serviceStack struct {
	cfg      *config.Config
	store    *memory.Store
	vectors  vector.Store
	provider embedding.Provider
	service  *memory.Service
}

// openServices wires the full stack: database, vector backend, embedding
// provider and the memory service.
func openServices(zl zerolog.Logger) (*serviceStack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := memory.OpenStore(cfg.DatabasePath(), zl)
	if err != nil {
		return nil, err
	}

	vectors := vector.Open(store.DB(), cfg.DataDir, cfg.Embedding.Dimensions, zl)
	provider := embedding.NewFromConfig(cfg, zl)

	service := memory.NewService(memory.ServiceConfig{
		Store:          store,
		Vectors:        vectors,
		Provider:       provider,
		Logger:         zl,
		DedupThreshold: cfg.ClampedDedupThreshold(),
		Model:          cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
	})

	return &serviceStack{
		cfg:      cfg,
		store:    store,
		vectors:  vectors,
		provider: provider,
		service:  service,
	}, nil
}

// Close tears the stack down in reverse order
func (s *serviceStack) Close() {
	s.service.Close()
	s.provider.Close()
	s.vectors.Close()
	s.store.Close()
}
