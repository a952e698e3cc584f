package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Run records a submission and the last status the server observed for it.
type Run struct {
	bun.BaseModel `bun:"table:runbook.runs,alias:r"`

	ID         string     `bun:",pk"`
	Backend    string     `bun:",notnull"`
	ModelID    string     `bun:",notnull"`
	InputFiles []string   `bun:",array"`
	Status     string     `bun:",notnull"`
	Message    string     `bun:",nullzero"`
	StartedAt  *time.Time `bun:",nullzero"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Runbook is a materialized artifact. Content lives in the artifact store
// under ObjectKey.
type Runbook struct {
	bun.BaseModel `bun:"table:runbook.runbooks,alias:rb"`

	RunID       string         `bun:",pk"`
	ObjectKey   string         `bun:",notnull"`
	ModelUsed   string         `bun:",notnull"`
	Metadata    map[string]any `bun:"type:jsonb"`
	GeneratedAt time.Time      `bun:",notnull"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
