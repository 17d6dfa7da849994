package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/procrun"
	"github.com/engramdev/engram/pkg/embedding"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the shared embedding server",
	Long: `Stop a running shared embedding server gracefully.
Sends SIGTERM and waits for it to exit, then removes its witness files.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 10, "seconds to wait for the server to exit")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	paths := embedding.PathsFor(cfg.Embedding.DataDir)

	pid, err := procrun.ReadPID(paths.PID)
	if err != nil || !procrun.Alive(pid) {
		fmt.Println("Embedding server is not running")
		_ = procrun.RemovePIDFile(paths.PID)
		_ = os.Remove(paths.Socket)
		return nil
	}

	wait := time.Duration(stopTimeout) * time.Second
	if !procrun.Terminate(pid, 100*time.Millisecond, wait) {
		return fmt.Errorf("server (pid %d) did not exit within %s", pid, wait)
	}

	// The server removes its witnesses on clean exit; sweep leftovers anyway
	_ = procrun.RemovePIDFile(paths.PID)
	_ = os.Remove(paths.Socket)

	fmt.Println("Embedding server stopped")
	return nil
}
