package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fundwatch",
	Short: "Unattended scheduler for AI-managed investment funds",
	Long: `Fundwatch runs periodic investment-decision sessions for independently
configured funds. Each fund has its own local trading schedule, risk limits,
and broker scope; the daemon evaluates every fund once per minute, launches
bounded agent sessions, and enforces stop-loss protection between sessions.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "funds.yaml", "path to the fund registry")
}
