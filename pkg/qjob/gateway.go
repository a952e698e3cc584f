package qjob

import (
	"context"
	"time"
)

// Gateway is the remote service that executes runs. Implementations must be
// safe for concurrent use.
type Gateway interface {
	SubmitRun(ctx context.Context, modelID string, files []string) (*SubmitResponse, error)
	GetStatus(ctx context.Context, runID string) (*StatusResponse, error)
	// MaterializeArtifact asks the gateway to persist the run's output. It is
	// idempotent.
	MaterializeArtifact(ctx context.Context, runID string) error
	ReadArtifact(ctx context.Context, runID string) (*Artifact, error)
}

// SubmitResponse carries the raw status string so the client can validate it.
type SubmitResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type StatusResponse struct {
	RunID     string     `json:"run_id"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
}
