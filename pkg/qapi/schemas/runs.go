package schemas

import "time"

// SubmitRunRequest starts a document-generation run
type SubmitRunRequest struct {
	ModelID string   `json:"model_id" minLength:"1" doc:"Model from /api/models" example:"dbrx-instruct"`
	Files   []string `json:"files" doc:"Input document references, in order"`
}

// SubmitRunResponse is the gateway's reply to a submission
type SubmitRunResponse struct {
	RunID  string `json:"run_id" doc:"Gateway-assigned run ID"`
	Status string `json:"status" doc:"Initial status" enum:"PENDING,RUNNING,SUCCESS,FAILED,TERMINATED,SKIPPED,INTERNAL_ERROR"`
}

// RunStatusResponse reports a run's current status
type RunStatusResponse struct {
	RunID     string     `json:"run_id" doc:"Run ID"`
	Status    string     `json:"status" doc:"Current status" enum:"PENDING,RUNNING,SUCCESS,FAILED,TERMINATED,SKIPPED,INTERNAL_ERROR"`
	Message   string     `json:"message,omitempty" doc:"Backend state message"`
	StartTime *time.Time `json:"start_time,omitempty" doc:"When execution started"`
}

// ArtifactResponse is a materialized runbook
type ArtifactResponse struct {
	RunID       string         `json:"run_id" doc:"Run that produced the runbook"`
	Content     string         `json:"content" doc:"Runbook markdown"`
	Metadata    map[string]any `json:"metadata,omitempty" doc:"Generation metadata"`
	ModelUsed   string         `json:"model_used" doc:"Model the run used"`
	GeneratedAt time.Time      `json:"generated_at" doc:"Materialization time"`
}

// VersionsResponse lists runs with a materialized runbook
type VersionsResponse struct {
	Versions []string `json:"versions" doc:"Run IDs, newest first"`
}
