package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quatton/runbookgen/pkg/qapi/services/iam"
)

var (
	tokenSubject string
	tokenName    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with AUTH_SECRET",
	Long: `Prints an HS256 token clients can store with "runbookctl token set".
AUTH_SECRET must match the server's.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("AUTH_SECRET")
		if secret == "" {
			return errors.New("AUTH_SECRET is not set")
		}
		token, err := iam.NewIAMService(secret).Issue(tokenSubject, tokenName, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "Token subject (required)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
}
