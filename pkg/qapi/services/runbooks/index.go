package runbooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/quatton/runbookgen/pkg/db"
	"github.com/quatton/runbookgen/pkg/db/models"
	"github.com/quatton/runbookgen/pkg/qart"
)

// Index records runs and materialized runbooks. Lookups return
// db.ErrNotFound for unknown ids.
type Index interface {
	RecordRun(ctx context.Context, run *models.Run) error
	SaveRunbook(ctx context.Context, rb *models.Runbook) error
	GetRunbook(ctx context.Context, runID string) (*models.Runbook, error)
	LatestRunbook(ctx context.Context) (*models.Runbook, error)
	// ListRunbooks returns newest first; limit <= 0 means all.
	ListRunbooks(ctx context.Context, limit int) ([]*models.Runbook, error)
}

var _ Index = (*db.RunbookRepo)(nil)

const indexPrefix = "index/"

// ArtifactIndex keeps the runbook index as JSON documents next to the
// artifacts. It is used when no database is configured. Runs are not
// recorded; the runner stays the source of truth for them.
type ArtifactIndex struct {
	store qart.Store
}

func NewArtifactIndex(store qart.Store) *ArtifactIndex {
	return &ArtifactIndex{store: store}
}

func (i *ArtifactIndex) RecordRun(ctx context.Context, run *models.Run) error {
	return nil
}

func (i *ArtifactIndex) SaveRunbook(ctx context.Context, rb *models.Runbook) error {
	if _, err := i.GetRunbook(ctx, rb.RunID); err == nil {
		return nil
	}
	data, err := json.Marshal(rb)
	if err != nil {
		return fmt.Errorf("failed to encode runbook record: %w", err)
	}
	_, err = i.store.Upload(ctx, indexPrefix+rb.RunID+".json", bytes.NewReader(data), "application/json", nil)
	return err
}

func (i *ArtifactIndex) GetRunbook(ctx context.Context, runID string) (*models.Runbook, error) {
	rc, err := i.store.Download(ctx, indexPrefix+runID+".json")
	if errors.Is(err, qart.ErrNotFound) || errors.Is(err, qart.ErrInvalidKey) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	rb := new(models.Runbook)
	if err := json.NewDecoder(rc).Decode(rb); err != nil {
		return nil, fmt.Errorf("failed to decode runbook record %s: %w", runID, err)
	}
	return rb, nil
}

func (i *ArtifactIndex) LatestRunbook(ctx context.Context) (*models.Runbook, error) {
	rbs, err := i.ListRunbooks(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(rbs) == 0 {
		return nil, db.ErrNotFound
	}
	return rbs[0], nil
}

func (i *ArtifactIndex) ListRunbooks(ctx context.Context, limit int) ([]*models.Runbook, error) {
	objects, err := i.store.List(ctx, indexPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list runbook index: %w", err)
	}

	rbs := make([]*models.Runbook, 0, len(objects))
	for _, obj := range objects {
		runID, ok := strings.CutSuffix(strings.TrimPrefix(obj.Key, indexPrefix), ".json")
		if !ok {
			continue
		}
		rb, err := i.GetRunbook(ctx, runID)
		if err != nil {
			return nil, err
		}
		rbs = append(rbs, rb)
	}

	slices.SortFunc(rbs, func(a, b *models.Runbook) int {
		if c := b.GeneratedAt.Compare(a.GeneratedAt); c != 0 {
			return c
		}
		return strings.Compare(b.RunID, a.RunID)
	})
	if limit > 0 && len(rbs) > limit {
		rbs = rbs[:limit]
	}
	return rbs, nil
}
