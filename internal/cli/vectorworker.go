package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/logger"
	"github.com/engramdev/engram/pkg/vector"
)

var vectorWorkerDataDir string

// vectorWorkerCmd is the supervised child owning the vector extension on
// hosts where it cannot load in-process; users never run it directly.
var vectorWorkerCmd = &cobra.Command{
	Use:    "vector-worker",
	Hidden: true,
	Short:  "Run the vector index worker",
	RunE:   runVectorWorker,
}

func init() {
	vectorWorkerCmd.Flags().StringVar(&vectorWorkerDataDir, "data-dir", "", "directory for the vector database and socket")
	_ = vectorWorkerCmd.MarkFlagRequired("data-dir")
	rootCmd.AddCommand(vectorWorkerCmd)
}

func runVectorWorker(cmd *cobra.Command, args []string) error {
	zl, err := logger.New(logger.Config{
		Level: logLevel,
		File:  filepath.Join(vectorWorkerDataDir, "vector-worker.log"),
	})
	if err != nil {
		return err
	}
	defer zl.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := vector.NewWorkerServer(vectorWorkerDataDir, zl.GetZerolog())
	return srv.Run(ctx)
}
