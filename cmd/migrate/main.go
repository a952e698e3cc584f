package main

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"github.com/quatton/runbookgen/pkg/db"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ No .env file found")
	} else {
		log.Println("✓ Loaded .env file")
	}

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the runbook index schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		migrationCmd("up", "Apply pending migrations", db.Migrate),
		migrationCmd("down", "Roll back the last migration group", db.Rollback),
		migrationCmd("status", "Show applied and pending migrations", db.Status),
	)
	// "migrate" with no subcommand keeps applying migrations
	root.RunE = root.Commands()[0].RunE

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

func migrationCmd(use, short string, fn func(context.Context, *bun.DB, io.Writer) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg := db.Config{
				Host:     "localhost",
				Port:     5432,
				User:     "runbook",
				Password: "password",
				Database: "runbook",
				SSLMode:  "disable",
			}
			if err := envconfig.Process("DB", &cfg); err != nil {
				return err
			}

			database, err := db.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			return fn(ctx, database, os.Stdout)
		},
	}
}
