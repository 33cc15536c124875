// Package commands implements the afilli CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// configFlag is an explicit config file; empty means global plus project config.
	configFlag string
)

var rootCmd = &cobra.Command{
	Use:   "afilli",
	Short: "Autonomous affiliate marketing agents",
	Long: `Afilli runs a fleet of typed agents that research personas, sync and
score affiliate offers, build lead lists and run outreach campaigns.

Each scheduler pass advances every working agent by one step: it either
executes the agent's oldest pending task or generates the next one.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default ./afilli.yaml merged over ~/.config/afilli/config.yaml)")
}
