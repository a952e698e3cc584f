package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quatton/runbookgen/pkg/qsdk"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the server accepts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		client, err := qsdk.NewSdk(cfg)
		exitIfSdkError(err)

		models, err := client.ListModels(cmd.Context())
		exitIfSdkError(err)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
		for _, m := range models {
			marker := ""
			if m.ID == cfg.Model {
				marker = " (default)"
			}
			fmt.Fprintf(w, "%s%s\t%s\t%s\n", m.ID, marker, m.Name, m.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
