package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quatton/runbookgen/pkg/qsdk"
)

var fetchOutput string

var fetchCmd = &cobra.Command{
	Use:   "fetch <runId>",
	Short: "Print the runbook produced by a successful run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		client, err := qsdk.NewSdk(cfg)
		exitIfSdkError(err)

		ctx := cmd.Context()
		runID := args[0]
		exitIfSdkError(client.MaterializeArtifact(ctx, runID))

		art, err := client.ReadArtifact(ctx, runID)
		exitIfSdkError(err)
		if art.RunID != runID {
			return fmt.Errorf("server returned the artifact of run %s instead of %s", art.RunID, runID)
		}
		return writeArtifact(cmd.OutOrStdout(), art, fetchOutput)
	},
}

var latestOutput string

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the most recently generated runbook",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		client, err := qsdk.NewSdk(cfg)
		exitIfSdkError(err)

		art, err := client.LatestArtifact(cmd.Context())
		exitIfSdkError(err)
		return writeArtifact(cmd.OutOrStdout(), art, latestOutput)
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List the runs that produced a runbook, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		client, err := qsdk.NewSdk(cfg)
		exitIfSdkError(err)

		versions, err := client.ListArtifactVersions(cmd.Context())
		exitIfSdkError(err)
		for _, v := range versions {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(latestCmd)
	rootCmd.AddCommand(versionsCmd)
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Write the runbook to this file instead of stdout")
	latestCmd.Flags().StringVarP(&latestOutput, "output", "o", "", "Write the runbook to this file instead of stdout")
}
