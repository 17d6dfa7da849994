package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reindexProject string

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index from stored memories",
	Long: `Recompute embeddings for stored memories and rebuild the vector index.
Without --project, every project is reindexed.`,
	RunE: runReindex,
}

func init() {
	reindexCmd.Flags().StringVar(&reindexProject, "project", "", "limit reindexing to one project")
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zl, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer zl.Close()

	stack, err := openServices(zl.GetZerolog())
	if err != nil {
		return err
	}
	defer stack.Close()

	if !stack.vectors.Available() {
		return fmt.Errorf("vector index is unavailable, nothing to rebuild")
	}

	stats, err := stack.service.Reindex(context.Background(), reindexProject)
	if err != nil {
		return err
	}

	fmt.Printf("Reindexed %d memories: %d ok, %d failed\n",
		stats.Total, stats.Success, stats.Failed)
	return nil
}
