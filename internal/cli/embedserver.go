package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/logger"
	"github.com/engramdev/engram/pkg/embedding"
)

var (
	embedServerModel      string
	embedServerDimensions int
	embedServerGrace      int
	embedServerDataDir    string
)

// embedServerCmd is the detached child spawned by the shared client; users
// never run it directly.
var embedServerCmd = &cobra.Command{
	Use:    "embed-server",
	Hidden: true,
	Short:  "Run the shared embedding server",
	RunE:   runEmbedServer,
}

func init() {
	embedServerCmd.Flags().StringVar(&embedServerModel, "model", "", "embedding model name")
	embedServerCmd.Flags().IntVar(&embedServerDimensions, "dimensions", 384, "embedding dimensions")
	embedServerCmd.Flags().IntVar(&embedServerGrace, "grace-period", 300, "idle seconds before self-termination")
	embedServerCmd.Flags().StringVar(&embedServerDataDir, "data-dir", "", "directory for witness files")
	_ = embedServerCmd.MarkFlagRequired("model")
	_ = embedServerCmd.MarkFlagRequired("data-dir")
	rootCmd.AddCommand(embedServerCmd)
}

func runEmbedServer(cmd *cobra.Command, args []string) error {
	// Detached process: log to a file, never the console
	zl, err := logger.New(logger.Config{
		Level: logLevel,
		File:  filepath.Join(embedServerDataDir, "embed-server.log"),
	})
	if err != nil {
		return err
	}
	defer zl.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The server keeps its startup identity for life. Watch the config so an
	// edit that changes model or dimensions at least shows up in the log.
	zlog := zl.GetZerolog()
	watcher, err := config.NewWatcher(cfgFile, zlog, func(cfg *config.Config) {
		if cfg.Embedding.Model != embedServerModel || cfg.Embedding.Dimensions != embedServerDimensions {
			zlog.Warn().
				Str("running_model", embedServerModel).
				Str("configured_model", cfg.Embedding.Model).
				Int("running_dimensions", embedServerDimensions).
				Int("configured_dimensions", cfg.Embedding.Dimensions).
				Msg("Config no longer matches the running server; clients will see drift until restart")
		}
	})
	if err != nil {
		zlog.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		defer watcher.Stop()
	}

	srv := embedding.NewServer(
		embedServerModel,
		embedServerDimensions,
		embedServerDataDir,
		time.Duration(embedServerGrace)*time.Second,
		zl.GetZerolog(),
	)
	return srv.Run(ctx)
}
