package qjob

import (
	"slices"
	"time"
)

// Run is the remote job the client is currently tracking.
type Run struct {
	RunID        string     `json:"run_id,omitempty"`
	Status       Status     `json:"status"`
	ModelID      string     `json:"model_id,omitempty"`
	InputFiles   []string   `json:"input_files,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at,omitzero"`
	LastPolledAt time.Time  `json:"last_polled_at,omitzero"`
	Message      string     `json:"message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Artifact     *Artifact  `json:"artifact,omitempty"`
}

// Artifact is the document produced by a successful run.
type Artifact struct {
	RunID       string         `json:"run_id"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ModelUsed   string         `json:"model_used"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// IdleRun is the zero state before any submission.
func IdleRun() Run {
	return Run{Status: StatusIdle}
}

// clone returns a copy that shares nothing mutable with r except the
// artifact metadata, which is treated as read-only.
func (r Run) clone() Run {
	r.InputFiles = slices.Clone(r.InputFiles)
	if r.StartedAt != nil {
		t := *r.StartedAt
		r.StartedAt = &t
	}
	if r.Artifact != nil {
		a := *r.Artifact
		r.Artifact = &a
	}
	return r
}

// Observation is one status report applied to the store.
type Observation struct {
	Status    Status
	At        time.Time
	Message   string
	StartedAt *time.Time
}

// Snapshot is what subscribers and readers see.
type Snapshot struct {
	Run Run
	// Err is the last fatal failure for the run. A later successful
	// operation, a new submission or DismissError clears it.
	Err error
}
