package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fundwatch/internal/config"
	"fundwatch/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		lock := daemon.NewLock(cfg.DataDir, daemon.OSLiveness{})
		pid, alive, err := lock.Status()
		if err != nil {
			return err
		}
		switch {
		case pid == 0:
			fmt.Println("fundwatch is not running")
		case alive:
			fmt.Printf("fundwatch is running (pid %d)\n", pid)
		default:
			fmt.Printf("fundwatch is not running (stale lock for pid %d)\n", pid)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
