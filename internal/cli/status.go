package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/ipc"
	"github.com/engramdev/engram/internal/procrun"
	"github.com/engramdev/engram/pkg/embedding"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long:  `Show the shared embedding server state, vector availability and memory counts.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	paths := embedding.PathsFor(cfg.Embedding.DataDir)

	pid, pidErr := procrun.ReadPID(paths.PID)
	if pidErr != nil || !procrun.Alive(pid) {
		fmt.Println("Embedding server: stopped")
	} else {
		resp, err := ipc.Roundtrip(paths.Socket, ipc.Request{Action: ipc.ActionHealth}, 3*time.Second)
		if err != nil {
			fmt.Printf("Embedding server: unresponsive (pid %d)\n", pid)
		} else {
			fmt.Printf("Embedding server: running\n")
			fmt.Printf("  PID: %d\n", pid)
			fmt.Printf("  Model: %s (%d dimensions)\n", resp.Model, resp.Dimensions)
			fmt.Printf("  Clients: %d\n", resp.Clients)
			fmt.Printf("  Uptime: %s\n", formatDuration(time.Duration(resp.UptimeSeconds)*time.Second))
		}
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

	count, err := stack.store.Count()
	if err != nil {
		return fmt.Errorf("failed to count memories: %w", err)
	}
	fmt.Printf("Memories: %d\n", count)

	if stack.vectors.Available() {
		vectors, err := stack.vectors.Count()
		if err == nil {
			fmt.Printf("Vector index: available (%d vectors)\n", vectors)
		} else {
			fmt.Println("Vector index: available")
		}
	} else {
		fmt.Println("Vector index: unavailable (recency fallback active)")
	}

	drifted, reason, err := stack.service.CheckDrift()
	if err == nil && drifted {
		fmt.Printf("Drift: %s (run 'engram reindex')\n", reason)
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
