package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devlikebear/aiapps-sub000/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "jobqueue %s\n", version.String())
	},
}
