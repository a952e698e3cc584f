package db

import (
	"context"
	"fmt"
	"io"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/quatton/runbookgen/pkg/db/migrations"
)

func newMigrator(ctx context.Context, db *bun.DB) (*migrate.Migrator, error) {
	migrator := migrate.NewMigrator(db, migrations.Migrations)

	// Initialize the migration tables if they don't exist
	if err := migrator.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init migrations: %w", err)
	}
	return migrator, nil
}

// Migrate applies pending migrations and reports the result to out.
func Migrate(ctx context.Context, db *bun.DB, out io.Writer) error {
	migrator, err := newMigrator(ctx, db)
	if err != nil {
		return err
	}
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock migrations: %w", err)
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	if group.IsZero() {
		fmt.Fprintln(out, "Database is up to date")
		return nil
	}

	fmt.Fprintf(out, "Migrated to %s\n", group)
	return nil
}

// Rollback reverts the last migration group.
func Rollback(ctx context.Context, db *bun.DB, out io.Writer) error {
	migrator, err := newMigrator(ctx, db)
	if err != nil {
		return err
	}
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock migrations: %w", err)
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("failed to rollback: %w", err)
	}

	if group.IsZero() {
		fmt.Fprintln(out, "Nothing to roll back")
		return nil
	}

	fmt.Fprintf(out, "Rolled back %s\n", group)
	return nil
}

// Status prints applied and pending migrations.
func Status(ctx context.Context, db *bun.DB, out io.Writer) error {
	migrator, err := newMigrator(ctx, db)
	if err != nil {
		return err
	}
	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}
	fmt.Fprintf(out, "applied: %s\n", ms.Applied())
	fmt.Fprintf(out, "pending: %s\n", ms.Unapplied())
	fmt.Fprintf(out, "last group: %s\n", ms.LastGroup())
	return nil
}
