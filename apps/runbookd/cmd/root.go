package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "runbookd",
	Short: "runbookgen gateway server",
	Long: `runbookd accepts runbook generation runs, executes them on a local,
Kubernetes or Databricks backend and serves the generated runbooks.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
