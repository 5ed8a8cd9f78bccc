package cli

import (
	"github.com/spf13/cobra"

	"perfharness/internal/version"
)

// addVersionCommand adds the version command
func (app *App) addVersionCommand(rootCmd *cobra.Command) {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display the version of perfharness with build information.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			p := app.printer(cmd)
			detailed, _ := cmd.Flags().GetBool("detailed")
			if detailed {
				p.Println(version.GetDetailedVersion())
			} else {
				p.Println(version.GetFormattedVersion())
			}
		},
	}

	versionCmd.Flags().Bool("detailed", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)
}
