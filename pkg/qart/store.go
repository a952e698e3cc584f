// Package qart stores run artifacts (generated runbooks, their metadata and
// run logs) in S3-compatible storage or on the local filesystem.
package qart

import (
	"context"
	"io"
	"time"
)

// Object describes a stored artifact.
type Object struct {
	Key          string            `json:"key"` // e.g. "runs/abc123/runbook.md"
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store defines the artifact storage operations.
type Store interface {
	// Upload writes reader under key, replacing any previous object.
	Upload(ctx context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Object, error)

	// Download returns ErrNotFound when key does not exist.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns every object under prefix.
	List(ctx context.Context, prefix string) ([]*Object, error)

	// EnsureBucket prepares the backing storage.
	EnsureBucket(ctx context.Context) error
}

const (
	RunbookFile  = "runbook.md"
	MetadataFile = "metadata.json"
	StdoutFile   = "stdout.log"
	StderrFile   = "stderr.log"

	// OutputFile is where remote runners upload the raw pipeline output.
	OutputFile = "output/runbook.md"
)

// RunArtifactPrefix returns the key prefix of a run's artifacts.
func RunArtifactPrefix(runID string) string {
	return "runs/" + runID + "/"
}

// RunArtifactKey returns the full key for one of a run's artifacts.
func RunArtifactKey(runID, filename string) string {
	return RunArtifactPrefix(runID) + filename
}
