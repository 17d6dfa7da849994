package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/pkg/memory"
)

var (
	importProject string
	importFormat  string
	importInput   string
	importForce   bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import memories from a JSON or Markdown export",
	Long: `Import memories into a project. Entries whose content already exists
are skipped unless --force is given.`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importProject, "project", "", "target project (required)")
	importCmd.Flags().StringVar(&importFormat, "format", memory.FormatJSON, "input format (json, markdown)")
	importCmd.Flags().StringVarP(&importInput, "input", "i", "", "input file (default stdin)")
	importCmd.Flags().BoolVar(&importForce, "force", false, "insert duplicates instead of skipping them")
	_ = importCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
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

	in := os.Stdin
	if importInput != "" {
		f, err := os.Open(importInput)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		in = f
	}

	stats, err := stack.service.Import(context.Background(), in, memory.ImportOptions{
		ProjectID: importProject,
		Format:    importFormat,
		Force:     importForce,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d, skipped %d, failed %d\n",
		stats.Imported, stats.Skipped, stats.Failed)
	return nil
}
