package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quatton/runbookgen/pkg/qjob"
	"github.com/quatton/runbookgen/pkg/qsdk"
)

var (
	submitManifest string
	submitNoWait   bool
	submitOutput   string
)

var submitCmd = &cobra.Command{
	Use:   "submit [files...]",
	Short: "Submit a runbook generation run and wait for the result",
	Long: `Submit a runbook generation run and follow it until it settles.

Examples:
  # Generate a runbook from two uploaded files with the default model
  runbookctl submit alerts.csv topology.md

  # Pick a model and write the result to a file
  runbookctl submit --model distilbert-base-uncased -o runbook.md alerts.csv

  # Read model and files from a manifest
  runbookctl submit --manifest run.yaml

  # Only submit; check later with 'runbookctl status <runId>'
  runbookctl submit --no-wait alerts.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}

		var m *Manifest
		if submitManifest != "" {
			if m, err = loadManifest(submitManifest); err != nil {
				return err
			}
		}
		model, files, err := resolveRun(m, cfg.Model, cmd.Flags().Changed("model"), cfg.Model, args)
		if err != nil {
			return err
		}

		client, err := qsdk.NewSdk(cfg)
		exitIfSdkError(err)

		tracker := qjob.NewTracker(client,
			qjob.WithPollInterval(cfg.PollInterval),
			qjob.WithRequestTimeout(cfg.RequestTimeout),
			qjob.WithLogger(newLogger(cfg)),
		)
		defer tracker.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Listeners run one at a time, so last needs no lock.
		last := qjob.StatusIdle
		unsubscribe := tracker.Subscribe(func(s qjob.Snapshot) {
			if s.Run.Status == last {
				return
			}
			last = s.Run.Status
			line := fmt.Sprintf("• %s", s.Run.Status)
			if s.Run.Message != "" {
				line += ": " + s.Run.Message
			}
			fmt.Fprintln(cmd.ErrOrStderr(), line)
		})
		defer unsubscribe()

		run, err := tracker.Submit(ctx, model, files)
		exitIfSdkError(err)

		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Run %s submitted (model %s, %d files)\n", run.RunID, model, len(files))
		if submitNoWait {
			fmt.Fprintln(cmd.OutOrStdout(), run.RunID)
			return nil
		}

		snap, err := tracker.Wait(ctx)
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nStopped following run %s; it keeps running on the server.\n", run.RunID)
			return nil
		}
		exitIfSdkError(err)

		if snap.Run.Status != qjob.StatusSuccess {
			return fmt.Errorf("run %s ended with status %s", snap.Run.RunID, snap.Run.Status)
		}
		return writeArtifact(cmd.OutOrStdout(), snap.Run.Artifact, submitOutput)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("model", "", "Model id to generate with (see 'runbookctl models')")
	submitCmd.Flags().StringVar(&submitManifest, "manifest", "", "YAML file with model and files")
	submitCmd.Flags().BoolVar(&submitNoWait, "no-wait", false, "Print the run id and return without waiting")
	submitCmd.Flags().StringVarP(&submitOutput, "output", "o", "", "Write the runbook to this file instead of stdout")
}
