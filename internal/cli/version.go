package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ crewlink Version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}
