package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/quatton/runbookgen/pkg/db/models"
)

var ErrNotFound = errors.New("not found")

// RunbookRepo is the Postgres-backed run and runbook index.
type RunbookRepo struct {
	db *bun.DB
}

func NewRunbookRepo(db *bun.DB) *RunbookRepo {
	return &RunbookRepo{db: db}
}

// RecordRun inserts run or updates its status fields.
func (r *RunbookRepo) RecordRun(ctx context.Context, run *models.Run) error {
	run.UpdatedAt = time.Now()
	_, err := r.db.NewInsert().
		Model(run).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("message = EXCLUDED.message").
		Set("started_at = COALESCE(EXCLUDED.started_at, r.started_at)").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

func (r *RunbookRepo) GetRun(ctx context.Context, id string) (*models.Run, error) {
	run := new(models.Run)
	err := r.db.NewSelect().Model(run).Where("r.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// SaveRunbook stores rb. A second save for the same run is a no-op.
func (r *RunbookRepo) SaveRunbook(ctx context.Context, rb *models.Runbook) error {
	_, err := r.db.NewInsert().
		Model(rb).
		On("CONFLICT (run_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save runbook %s: %w", rb.RunID, err)
	}
	return nil
}

func (r *RunbookRepo) GetRunbook(ctx context.Context, runID string) (*models.Runbook, error) {
	rb := new(models.Runbook)
	err := r.db.NewSelect().Model(rb).Where("rb.run_id = ?", runID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runbook %s: %w", runID, err)
	}
	return rb, nil
}

func (r *RunbookRepo) LatestRunbook(ctx context.Context) (*models.Runbook, error) {
	rb := new(models.Runbook)
	err := r.db.NewSelect().Model(rb).OrderExpr("rb.generated_at DESC").Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest runbook: %w", err)
	}
	return rb, nil
}

// ListRunbooks returns up to limit runbooks, newest first. limit <= 0 means all.
func (r *RunbookRepo) ListRunbooks(ctx context.Context, limit int) ([]*models.Runbook, error) {
	var rbs []*models.Runbook
	q := r.db.NewSelect().Model(&rbs).OrderExpr("rb.generated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list runbooks: %w", err)
	}
	return rbs, nil
}
