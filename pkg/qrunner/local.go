package qrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quatton/runbookgen/pkg/qart"
	"github.com/quatton/runbookgen/pkg/qjob"
)

// Environment passed to the pipeline command.
const (
	EnvRunID      = "RUNBOOK_RUN_ID"
	EnvRunDir     = "RUNBOOK_RUN_DIR"
	EnvModel      = "RUNBOOK_MODEL"
	EnvInputFiles = "RUNBOOK_INPUT_FILES" // newline separated
	EnvOutput     = "RUNBOOK_OUTPUT"
)

// LocalRunner runs the pipeline as a subprocess and keeps run state under
// <baseDir>/.runbook/runs/<id>/run.json.
type LocalRunner struct {
	baseDir    string
	command    string
	args       []string
	workingDir string
	artifacts  qart.Store // optional; receives logs of finished runs

	mu    sync.Mutex
	procs map[string]context.CancelFunc
}

// LocalRunnerOption configures a LocalRunner
type LocalRunnerOption func(*LocalRunner)

// WithArtifactStore uploads run logs to store when a run finishes.
func WithArtifactStore(store qart.Store) LocalRunnerOption {
	return func(r *LocalRunner) {
		r.artifacts = store
	}
}

func WithBaseDir(baseDir string) LocalRunnerOption {
	return func(r *LocalRunner) {
		r.baseDir = baseDir
	}
}

func WithWorkingDir(dir string) LocalRunnerOption {
	return func(r *LocalRunner) {
		r.workingDir = dir
	}
}

// NewLocalRunner runs command with args for every submitted job.
func NewLocalRunner(command string, args []string, opts ...LocalRunnerOption) *LocalRunner {
	cwd, _ := os.Getwd()
	r := &LocalRunner{
		baseDir: cwd,
		command: command,
		args:    args,
		procs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *LocalRunner) Name() string { return "local" }

func (r *LocalRunner) runsDir() string {
	return filepath.Join(r.baseDir, ".runbook", "runs")
}

func (r *LocalRunner) Submit(ctx context.Context, spec JobSpec) (*Run, error) {
	if r.command == "" {
		return nil, errors.New("local runner has no pipeline command")
	}

	// UUIDv7 keeps run ids lexicographically ordered by creation time.
	runID := spec.ID
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate UUID: %w", err)
		}
		runID = id.String()
	}
	if !filepath.IsLocal(runID) || strings.ContainsAny(runID, `/\`) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}

	runDir := filepath.Join(r.runsDir(), runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	run := &Run{
		ID:         runID,
		Backend:    r.Name(),
		ModelID:    spec.ModelID,
		InputFiles: slices.Clone(spec.InputFiles),
		Status:     qjob.StatusPending,
		CreatedAt:  time.Now(),
		RunDir:     runDir,
		LogsPath:   filepath.Join(runDir, qart.StdoutFile),
		StderrPath: filepath.Join(runDir, qart.StderrFile),
		OutputPath: filepath.Join(runDir, qart.RunbookFile),
		Metadata:   map[string]string{"command": r.command},
	}
	if err := r.saveRun(run); err != nil {
		return nil, fmt.Errorf("failed to save run state: %w", err)
	}

	// The run outlives the request that submitted it.
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.procs[runID] = cancel
	r.mu.Unlock()

	out := *run
	out.Metadata = maps.Clone(run.Metadata)
	go r.executeRun(execCtx, cancel, run, spec.Env)
	return &out, nil
}

func (r *LocalRunner) executeRun(ctx context.Context, cancel context.CancelFunc, run *Run, env map[string]string) {
	defer cancel()

	now := time.Now()
	run.StartedAt = &now
	run.Status = qjob.StatusRunning
	r.saveRun(run)

	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Dir = r.workingDir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		EnvRunID+"="+run.ID,
		EnvRunDir+"="+run.RunDir,
		EnvModel+"="+run.ModelID,
		EnvInputFiles+"="+strings.Join(run.InputFiles, "\n"),
		EnvOutput+"="+run.OutputPath,
	)

	stdout, err := os.Create(run.LogsPath)
	if err != nil {
		r.finishWithError(run, fmt.Errorf("failed to create log file: %w", err))
		return
	}
	defer stdout.Close()
	stderr, err := os.Create(run.StderrPath)
	if err != nil {
		r.finishWithError(run, fmt.Errorf("failed to create stderr file: %w", err))
		return
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	r.untrack(run.ID)

	finished := time.Now()
	run.FinishedAt = &finished

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		run.Status = qjob.StatusTerminated
		run.Message = "cancelled"
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		run.ExitCode = &code
		run.Status = qjob.StatusFailed
		run.Message = fmt.Sprintf("pipeline exited with code %d", code)
	case err != nil:
		run.Status = qjob.StatusInternalError
		run.Message = err.Error()
		fmt.Fprintln(stderr, err)
	default:
		code := 0
		run.ExitCode = &code
		if _, statErr := os.Stat(run.OutputPath); statErr != nil {
			run.Status = qjob.StatusFailed
			run.Message = "pipeline produced no output"
		} else {
			run.Status = qjob.StatusSuccess
		}
	}

	r.uploadLogs(context.WithoutCancel(ctx), run)
	r.saveRun(run)
}

// untrack runs before the final state is saved so Cancel never sees a
// finished run as running.
func (r *LocalRunner) untrack(runID string) {
	r.mu.Lock()
	delete(r.procs, runID)
	r.mu.Unlock()
}

func (r *LocalRunner) finishWithError(run *Run, err error) {
	r.untrack(run.ID)
	now := time.Now()
	run.FinishedAt = &now
	run.Status = qjob.StatusInternalError
	run.Message = err.Error()
	os.WriteFile(run.StderrPath, []byte(err.Error()), 0o644)
	r.saveRun(run)
}

// Wait blocks until runID is terminal.
func (r *LocalRunner) Wait(ctx context.Context, runID string) (*Run, error) {
	return Wait(ctx, r, runID, 100*time.Millisecond)
}

func (r *LocalRunner) GetRun(ctx context.Context, runID string) (*Run, error) {
	if !filepath.IsLocal(runID) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	data, err := os.ReadFile(filepath.Join(r.runsDir(), runID, "run.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run state: %w", err)
	}
	return &run, nil
}

func (r *LocalRunner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	cancel, running := r.procs[runID]
	r.mu.Unlock()

	if !running {
		run, err := r.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.Status)
	}
	cancel()
	return nil
}

func (r *LocalRunner) ListRuns(ctx context.Context, status *qjob.Status) ([]*Run, error) {
	entries, err := os.ReadDir(r.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*Run{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var runs []*Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := r.GetRun(ctx, entry.Name())
		if err != nil {
			continue
		}
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (r *LocalRunner) ReadOutput(ctx context.Context, runID string) (io.ReadCloser, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != qjob.StatusSuccess {
		return nil, fmt.Errorf("%w: %s is %s", ErrOutputNotReady, runID, run.Status)
	}
	f, err := os.Open(run.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputNotReady, err)
	}
	return f, nil
}

// saveRun writes run.json atomically so concurrent GetRun calls never see
// a partial file.
func (r *LocalRunner) saveRun(run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	tmp := filepath.Join(run.RunDir, ".run.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(run.RunDir, "run.json")); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	return nil
}

// uploadLogs copies stdout.log and stderr.log to the artifact store.
func (r *LocalRunner) uploadLogs(ctx context.Context, run *Run) {
	if r.artifacts == nil {
		return
	}
	for name, path := range map[string]string{
		qart.StdoutFile: run.LogsPath,
		qart.StderrFile: run.StderrPath,
	} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		obj, err := r.artifacts.Upload(ctx, qart.RunArtifactKey(run.ID, name), f, "text/plain", map[string]string{
			"run_id": run.ID,
		})
		f.Close()
		if err == nil {
			run.Metadata[name] = obj.Key
		}
	}
}
