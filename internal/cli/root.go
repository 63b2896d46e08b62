package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Self-maintaining episodic memory tree",
	Long:  "Arbor keeps a hierarchical episodic memory that prunes, merges and corrects itself over time. Single Go binary.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(correctCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(checkCmd)
}
