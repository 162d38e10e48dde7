package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roost-sh/roost/internal/config"
	"github.com/roost-sh/roost/internal/supervisor"
)

var termCmd = &cobra.Command{
	Use:   "term",
	Short: "Terminate the running supervisor",
	Long: `Term signals the supervisor recorded in the data directory's pid file
with SIGTERM, triggering a graceful shutdown of every service.`,
	RunE: termSupervisor,
}

func init() {
	rootCmd.AddCommand(termCmd)
}

func termSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pidFile := supervisor.PIDFile(cfg.Supervisor.DataPath)
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no supervisor running (no pid file at %s)", pidFile)
		}
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("corrupt pid file %s: %w", pidFile, err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling supervisor pid %d: %w", pid, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to supervisor (pid %d)\n", pid)
	return nil
}
