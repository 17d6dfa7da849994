package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/pkg/memory"
)

var (
	exportProject string
	exportScope   string
	exportFormat  string
	exportOutput  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export memories to JSON or Markdown",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportProject, "project", "", "limit export to one project")
	exportCmd.Flags().StringVar(&exportScope, "scope", "", "limit export to one scope (convention, decision, context)")
	exportCmd.Flags().StringVar(&exportFormat, "format", memory.FormatJSON, "output format (json, markdown)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
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

	out := os.Stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	n, err := stack.service.Export(out, memory.ExportOptions{
		ProjectID: exportProject,
		Scope:     exportScope,
		Format:    exportFormat,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Exported %d memories\n", n)
	return nil
}
