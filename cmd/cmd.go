// Package cmd holds the maintenance subcommands of newsletter-archive.
package cmd

import (
	"github.com/spf13/cobra"
)

// Register adds every subcommand to root. Root must carry the persistent flags
// registered by config.RegisterFlags.
func Register(root *cobra.Command) {
	root.AddCommand(
		newIndexCommand(),
		newInjectCommand(),
		newScanCommand(),
	)
}
