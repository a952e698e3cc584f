// Package runbooks is the gateway service behind the HTTP API: it submits
// generation runs to a compute backend, reports their status and
// materializes finished runbooks into the artifact store.
package runbooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/quatton/runbookgen/pkg/db"
	"github.com/quatton/runbookgen/pkg/db/models"
	"github.com/quatton/runbookgen/pkg/kv"
	"github.com/quatton/runbookgen/pkg/qart"
	"github.com/quatton/runbookgen/pkg/qjob"
	"github.com/quatton/runbookgen/pkg/qlog"
	"github.com/quatton/runbookgen/pkg/qrunner"
)

var (
	ErrNoInputFiles     = errors.New("at least one input file is required")
	ErrUnknownModel     = errors.New("unknown model")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunNotSucceeded  = errors.New("run has not succeeded")
	ErrRunFinished      = errors.New("run already finished")
	ErrArtifactNotFound = errors.New("artifact not found")
)

const (
	DefaultStatusCacheTTL = 10 * time.Minute
	DefaultLockTTL        = 2 * time.Minute

	lockRetryInterval = 250 * time.Millisecond
)

// Service implements qjob.Gateway on top of a qrunner.Runner.
type Service struct {
	runner    qrunner.Runner
	artifacts qart.Store
	index     Index
	kv        kv.Store
	log       *qlog.Logger

	statusTTL time.Duration
	lockTTL   time.Duration
	now       func() time.Time
}

var _ qjob.Gateway = (*Service)(nil)

type Option func(*Service)

// WithIndex replaces the artifact-store index, e.g. with db.RunbookRepo.
func WithIndex(index Index) Option {
	return func(s *Service) { s.index = index }
}

// WithKV sets the store used for materialize locks and the status cache.
func WithKV(store kv.Store) Option {
	return func(s *Service) { s.kv = store }
}

func WithLogger(log *qlog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithStatusCacheTTL sets how long terminal statuses are cached. Zero
// disables the cache.
func WithStatusCacheTTL(ttl time.Duration) Option {
	return func(s *Service) { s.statusTTL = ttl }
}

func WithLockTTL(ttl time.Duration) Option {
	return func(s *Service) { s.lockTTL = ttl }
}

func NewService(runner qrunner.Runner, artifacts qart.Store, opts ...Option) *Service {
	s := &Service{
		runner:    runner,
		artifacts: artifacts,
		log:       qlog.NewNop(),
		statusTTL: DefaultStatusCacheTTL,
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.index == nil {
		s.index = NewArtifactIndex(artifacts)
	}
	if s.kv == nil {
		s.kv = kv.NewMemoryStore()
	}
	return s
}

// Backend names the runner in use.
func (s *Service) Backend() string {
	return s.runner.Name()
}

func (s *Service) SubmitRun(ctx context.Context, modelID string, files []string) (*qjob.SubmitResponse, error) {
	if len(files) == 0 {
		return nil, ErrNoInputFiles
	}
	if !KnownModel(modelID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}

	run, err := s.runner.Submit(ctx, qrunner.JobSpec{ModelID: modelID, InputFiles: files})
	if err != nil {
		return nil, fmt.Errorf("failed to submit run: %w", err)
	}
	s.log.Info("run submitted", "run_id", run.ID, "model", modelID, "backend", s.runner.Name())
	s.record(ctx, run)

	return &qjob.SubmitResponse{RunID: run.ID, Status: string(run.Status)}, nil
}

func statusKey(runID string) string      { return "status:" + runID }
func materializeKey(runID string) string { return "materialize:" + runID }

func (s *Service) GetStatus(ctx context.Context, runID string) (*qjob.StatusResponse, error) {
	if s.statusTTL > 0 {
		if raw, err := s.kv.Get(ctx, statusKey(runID)); err == nil {
			var cached qjob.StatusResponse
			if json.Unmarshal(raw, &cached) == nil {
				return &cached, nil
			}
		}
	}

	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	resp := &qjob.StatusResponse{
		RunID:     run.ID,
		Status:    string(run.Status),
		Message:   run.Message,
		StartTime: run.StartedAt,
	}

	// Terminal statuses never change, so they can be served from the cache.
	if s.statusTTL > 0 && run.Status.Terminal() {
		if raw, err := json.Marshal(resp); err == nil {
			if err := s.kv.Set(ctx, statusKey(runID), raw, s.statusTTL); err != nil {
				s.log.Warn("failed to cache status", "run_id", runID, "error", err)
			}
		}
		s.record(ctx, run)
	}
	return resp, nil
}

// CancelRun stops a run that has not finished yet.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	err := s.runner.Cancel(ctx, runID)
	switch {
	case errors.Is(err, qrunner.ErrRunNotFound):
		return ErrRunNotFound
	case errors.Is(err, qrunner.ErrRunFinished):
		return ErrRunFinished
	case err != nil:
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}
	_ = s.kv.Delete(ctx, statusKey(runID))
	s.log.Info("run cancelled", "run_id", runID)
	return nil
}

// MaterializeArtifact copies the output of a successful run into the
// artifact store and indexes it. Repeated and concurrent calls for the same
// run store it once.
func (s *Service) MaterializeArtifact(ctx context.Context, runID string) error {
	if _, err := s.index.GetRunbook(ctx, runID); err == nil {
		return nil
	}

	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != qjob.StatusSuccess {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotSucceeded, runID, run.Status)
	}

	var release func()
	err = wait.PollUntilContextTimeout(ctx, lockRetryInterval, s.lockTTL, true, func(ctx context.Context) (bool, error) {
		r, err := kv.Acquire(ctx, s.kv, materializeKey(runID), s.lockTTL)
		if errors.Is(err, kv.ErrLocked) {
			return false, nil
		}
		release = r
		return err == nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to lock run %s for materialization: %w", runID, err)
	}
	defer release()

	// Another holder may have finished while we waited.
	if _, err := s.index.GetRunbook(ctx, runID); err == nil {
		return nil
	}
	return s.materialize(ctx, run)
}

func (s *Service) materialize(ctx context.Context, run *qrunner.Run) error {
	rc, err := s.runner.ReadOutput(ctx, run.ID)
	if errors.Is(err, qrunner.ErrOutputNotReady) {
		return fmt.Errorf("%w: run %s produced no output", ErrArtifactNotFound, run.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read output of run %s: %w", run.ID, err)
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("failed to read output of run %s: %w", run.ID, err)
	}

	generatedAt := s.now().UTC()
	metadata := map[string]any{
		"run_id":       run.ID,
		"model":        run.ModelID,
		"input_files":  run.InputFiles,
		"backend":      s.runner.Name(),
		"generated_at": generatedAt,
		"size_bytes":   len(content),
	}
	if run.StartedAt != nil {
		metadata["started_at"] = run.StartedAt.UTC()
	}
	if run.FinishedAt != nil {
		metadata["finished_at"] = run.FinishedAt.UTC()
	}

	key := qart.RunArtifactKey(run.ID, qart.RunbookFile)
	if _, err := s.artifacts.Upload(ctx, key, bytes.NewReader(content), "text/markdown", map[string]string{
		"run-id": run.ID,
		"model":  run.ModelID,
	}); err != nil {
		return fmt.Errorf("failed to store runbook for run %s: %w", run.ID, err)
	}

	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if _, err := s.artifacts.Upload(ctx, qart.RunArtifactKey(run.ID, qart.MetadataFile), bytes.NewReader(metaJSON), "application/json", nil); err != nil {
		return fmt.Errorf("failed to store metadata for run %s: %w", run.ID, err)
	}

	// Round-trip so the index holds what readers will see.
	var stored map[string]any
	if err := json.Unmarshal(metaJSON, &stored); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	if err := s.index.SaveRunbook(ctx, &models.Runbook{
		RunID:       run.ID,
		ObjectKey:   key,
		ModelUsed:   run.ModelID,
		Metadata:    stored,
		GeneratedAt: generatedAt,
	}); err != nil {
		return fmt.Errorf("failed to index runbook for run %s: %w", run.ID, err)
	}

	s.log.Info("runbook materialized", "run_id", run.ID, "key", key, "bytes", len(content))
	return nil
}

func (s *Service) ReadArtifact(ctx context.Context, runID string) (*qjob.Artifact, error) {
	rb, err := s.index.GetRunbook(ctx, runID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: run %s", ErrArtifactNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return s.load(ctx, rb)
}

// LatestArtifact returns the most recently materialized runbook.
func (s *Service) LatestArtifact(ctx context.Context) (*qjob.Artifact, error) {
	rb, err := s.index.LatestRunbook(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.load(ctx, rb)
}

// ListVersions returns the run ids with a materialized runbook, newest first.
func (s *Service) ListVersions(ctx context.Context) ([]string, error) {
	rbs, err := s.index.ListRunbooks(ctx, 0)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(rbs))
	for _, rb := range rbs {
		versions = append(versions, rb.RunID)
	}
	return versions, nil
}

func (s *Service) load(ctx context.Context, rb *models.Runbook) (*qjob.Artifact, error) {
	rc, err := s.artifacts.Download(ctx, rb.ObjectKey)
	if errors.Is(err, qart.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, rb.ObjectKey)
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var content strings.Builder
	if _, err := io.Copy(&content, rc); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rb.ObjectKey, err)
	}
	return &qjob.Artifact{
		RunID:       rb.RunID,
		Content:     content.String(),
		Metadata:    rb.Metadata,
		ModelUsed:   rb.ModelUsed,
		GeneratedAt: rb.GeneratedAt,
	}, nil
}

func (s *Service) getRun(ctx context.Context, runID string) (*qrunner.Run, error) {
	run, err := s.runner.GetRun(ctx, runID)
	if errors.Is(err, qrunner.ErrRunNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// record is best effort; the runner remains authoritative.
func (s *Service) record(ctx context.Context, run *qrunner.Run) {
	err := s.index.RecordRun(ctx, &models.Run{
		ID:         run.ID,
		Backend:    s.runner.Name(),
		ModelID:    run.ModelID,
		InputFiles: run.InputFiles,
		Status:     string(run.Status),
		Message:    run.Message,
		StartedAt:  run.StartedAt,
	})
	if err != nil {
		s.log.Warn("failed to record run", "run_id", run.ID, "error", err)
	}
}
