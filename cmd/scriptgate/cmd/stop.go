package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/scriptgate/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scriptgate server",
	Long: `Stop a running scriptgate server by reading its PID file and sending SIGTERM.

The PID file location is server.pid_file (default ./scriptgate.pid).

Examples:
  scriptgate stop
  scriptgate stop --config /etc/scriptgate/scriptgate.yaml`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	// The PID path is all we need, so skip validation.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	pidPath := cfg.Server.PIDFile

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no server PID file found at %s\nIs the server running?", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = os.Remove(pidPath)
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}

	if !processIsAlive(proc) {
		_ = os.Remove(pidPath)
		return fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}

	fmt.Fprintf(os.Stderr, "Stopping scriptgate server (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	// Poll for up to the default shutdown timeout plus a margin.
	deadline := time.Now().Add(config.Duration(cfg.Server.ShutdownTimeout) + 5*time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			_ = os.Remove(pidPath)
			fmt.Fprintf(os.Stderr, "Server stopped.\n")
			return nil
		}
	}

	fmt.Fprintf(os.Stderr, "Server did not stop gracefully, killing it...\n")
	_ = proc.Kill()
	_ = os.Remove(pidPath)
	fmt.Fprintf(os.Stderr, "Server killed.\n")
	return nil
}
