package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [up migration] ")

		stmts := []string{
			"CREATE INDEX IF NOT EXISTS runbooks_generated_at_idx ON runbook.runbooks (generated_at DESC)",
			"CREATE INDEX IF NOT EXISTS runs_status_idx ON runbook.runs (status)",
		}
		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		stmts := []string{
			"DROP INDEX IF EXISTS runbook.runs_status_idx",
			"DROP INDEX IF EXISTS runbook.runbooks_generated_at_idx",
		}
		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
