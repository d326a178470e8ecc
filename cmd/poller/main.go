package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventpoller/internal/ui"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:          "poller <command>",
	Short:        "Mirror user activity feeds into an enriched summary queue",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Configure()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "polling", Title: "Polling:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Polling
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(subjectsCmd)
	rootCmd.AddCommand(reinstateCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
