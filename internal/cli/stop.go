package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fundwatch/internal/config"
	"fundwatch/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal the running daemon and clear the lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		lock := daemon.NewLock(cfg.DataDir, daemon.OSLiveness{})
		if err := lock.Stop(); err != nil {
			return err
		}
		fmt.Println("fundwatch stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
