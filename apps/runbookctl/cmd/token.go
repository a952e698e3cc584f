package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/quatton/runbookgen/pkg/qauth"
	"github.com/quatton/runbookgen/pkg/qsdk"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the bearer token stored in the OS keyring",
	Long: `Manage the bearer token used to talk to runbookd. Tokens are stored
per server URL in the OS keyring. RUNBOOK_TOKEN overrides the stored value.`,
}

var tokenSetCmd = &cobra.Command{
	Use:   "set [token]",
	Short: "Store a token for the configured server (reads stdin when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}

		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading token from stdin: %w", err)
			}
			token = line
		}
		token = strings.TrimSpace(token)

		claims, err := qauth.FromToken(token)
		if err != nil {
			return fmt.Errorf("not a valid token: %w", err)
		}
		if err := qsdk.SaveToken(cfg.BaseURL, token); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Token for %s stored for %s\n", claims.Subject, cfg.BaseURL)
		return nil
	},
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the claims of the token in use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}

		source := "RUNBOOK_TOKEN"
		token := cfg.GetString(qsdk.TokenKey)
		if token == "" {
			source = "keyring"
			token, err = qsdk.LoadToken(cfg.BaseURL)
			if errors.Is(err, keyring.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "No token stored for %s\n", cfg.BaseURL)
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading keyring: %w", err)
			}
		}

		claims, err := qauth.FromToken(token)
		if err != nil {
			return fmt.Errorf("stored token is malformed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server:  %s\n", cfg.BaseURL)
		fmt.Fprintf(out, "Source:  %s\n", source)
		fmt.Fprintf(out, "Subject: %s\n", claims.Subject)
		if claims.Name != "" {
			fmt.Fprintf(out, "Name:    %s\n", claims.Name)
		}
		if claims.Exp > 0 {
			exp := time.Unix(claims.Exp, 0)
			state := "valid"
			if time.Now().After(exp) {
				state = "expired"
			}
			fmt.Fprintf(out, "Expires: %s (%s)\n", exp.Local().Format(time.RFC3339), state)
		}
		return nil
	},
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored token for the configured server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		if err := qsdk.DeleteToken(cfg.BaseURL); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("deleting token: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Token for %s removed\n", cfg.BaseURL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenClearCmd)
}
