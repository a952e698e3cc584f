package qjob

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"k8s.io/utils/clock"

	"github.com/quatton/runbookgen/pkg/qlog"
	"github.com/quatton/runbookgen/pkg/qsdk/qerr"
)

// Submitter starts new runs and installs them in the store.
type Submitter struct {
	gw      Gateway
	store   *Store
	clock   clock.PassiveClock
	timeout time.Duration
	log     *qlog.Logger

	// supersede runs right before the store is replaced by a new run.
	supersede func()
}

func NewSubmitter(gw Gateway, store *Store, clk clock.PassiveClock, timeout time.Duration, log *qlog.Logger) *Submitter {
	return &Submitter{gw: gw, store: store, clock: clk, timeout: timeout, log: log}
}

// Submit issues a single SubmitRun call. On failure the store is left
// untouched and the error carries qerr.CodeSubmissionFailed.
func (s *Submitter) Submit(ctx context.Context, modelID string, files []string) (Run, error) {
	if len(files) == 0 {
		return Run{}, qerr.New(qerr.CodeSubmissionFailed, errors.New("at least one input file is required"))
	}
	files = slices.Clone(files)

	callCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.gw.SubmitRun(callCtx, modelID, files)
	if err != nil {
		return Run{}, qerr.New(qerr.CodeSubmissionFailed, fmt.Errorf("failed to submit run: %w", err))
	}
	if resp == nil || resp.RunID == "" {
		return Run{}, qerr.New(qerr.CodeSubmissionFailed, errors.New("gateway returned no run id"))
	}
	status, err := ParseStatus(resp.Status)
	if err != nil {
		return Run{}, qerr.New(qerr.CodeSubmissionFailed, err)
	}

	run := Run{
		RunID:       resp.RunID,
		Status:      status,
		ModelID:     modelID,
		InputFiles:  files,
		SubmittedAt: s.clock.Now(),
	}
	if s.supersede != nil {
		s.supersede()
	}
	s.store.Replace(run)

	s.log.Info("run submitted", "run_id", run.RunID, "status", run.Status, "model", modelID, "files", len(files))
	return run.clone(), nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
