package qrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/quatton/runbookgen/pkg/qjob"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunFinished    = errors.New("run already finished")
	ErrOutputNotReady = errors.New("run output not available")
)

// JobSpec describes one document-generation run.
type JobSpec struct {
	ID         string            // Optional: if empty, the backend assigns one
	ModelID    string            // Model the pipeline should use
	InputFiles []string          // Input document references, in order
	Env        map[string]string // Extra environment for the pipeline
}

// Run is a backend's view of an execution. Status uses the gateway vocabulary.
type Run struct {
	ID         string            `json:"id"`
	Backend    string            `json:"backend"`
	ModelID    string            `json:"model_id"`
	InputFiles []string          `json:"input_files"`
	Status     qjob.Status       `json:"status"`
	Message    string            `json:"message,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	RunDir     string            `json:"run_dir,omitempty"`
	LogsPath   string            `json:"logs_path,omitempty"`   // stdout.log
	StderrPath string            `json:"stderr_path,omitempty"` // stderr.log
	OutputPath string            `json:"output_path,omitempty"` // generated runbook
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Runner executes document-generation runs on some compute backend.
type Runner interface {
	// Name identifies the backend ("local", "k8s", "databricks").
	Name() string

	// Submit starts a run. The returned Run is usually PENDING.
	Submit(ctx context.Context, spec JobSpec) (*Run, error)

	// GetRun returns ErrRunNotFound for unknown ids.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// Cancel stops a run; the run ends TERMINATED.
	Cancel(ctx context.Context, runID string) error

	// ListRuns lists runs, optionally filtered by status.
	ListRuns(ctx context.Context, status *qjob.Status) ([]*Run, error)

	// ReadOutput opens the document produced by a successful run.
	ReadOutput(ctx context.Context, runID string) (io.ReadCloser, error)
}

// Wait polls r every interval until runID reaches a terminal status.
func Wait(ctx context.Context, r Runner, runID string, interval time.Duration) (*Run, error) {
	var last *Run
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		run, err := r.GetRun(ctx, runID)
		if err != nil {
			return false, err
		}
		last = run
		return run.Status.Terminal(), nil
	})
	if err != nil {
		return last, fmt.Errorf("waiting for run %s: %w", runID, err)
	}
	return last, nil
}
