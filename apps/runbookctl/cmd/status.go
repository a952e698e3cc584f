package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quatton/runbookgen/pkg/qsdk"
)

var statusCmd = &cobra.Command{
	Use:   "status <runId>",
	Short: "Show the status of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		client, err := qsdk.NewSdk(cfg)
		exitIfSdkError(err)

		st, err := client.GetStatus(cmd.Context(), args[0])
		exitIfSdkError(err)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run:    %s\n", st.RunID)
		fmt.Fprintf(out, "Status: %s\n", st.Status)
		if st.StartTime != nil {
			fmt.Fprintf(out, "Started: %s\n", st.StartTime.Local().Format("2006-01-02 15:04:05"))
		}
		if st.Message != "" {
			fmt.Fprintf(out, "Message: %s\n", st.Message)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <runId>",
	Short: "Cancel a pending or running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		client, err := qsdk.NewSdk(cfg)
		exitIfSdkError(err)

		exitIfSdkError(client.CancelRun(cmd.Context(), args[0]))
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Cancellation requested for run %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}
