package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the control-plane admin CLI. Subcommands
// (bootstrap, gc) are attached here.
var rootCmd = &cobra.Command{
	Use:           "storesctl",
	Short:         "Store platform admin CLI",
	Long:          "Administrative utilities for the store provisioning control plane (schema bootstrap, maintenance).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
