package qjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quatton/runbookgen/pkg/qlog"
	"github.com/quatton/runbookgen/pkg/qsdk/qerr"
)

// Fetcher materializes and reads the artifact of a successful run.
type Fetcher struct {
	gw      Gateway
	store   *Store
	timeout time.Duration
	log     *qlog.Logger

	calls singleflight.Group
}

func NewFetcher(gw Gateway, store *Store, timeout time.Duration, log *qlog.Logger) *Fetcher {
	return &Fetcher{gw: gw, store: store, timeout: timeout, log: log}
}

// Fetch returns the artifact of runID, fetching it if it is not attached
// yet. Concurrent calls for the same run share one materialize+read pair.
// ErrSuperseded is returned when runID is no longer the active run.
func (f *Fetcher) Fetch(ctx context.Context, runID string) (*Artifact, error) {
	if a, err := f.check(runID); err != nil || a != nil {
		return a, err
	}
	v, err, _ := f.calls.Do(runID, func() (any, error) {
		return f.fetch(ctx, runID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// check returns the attached artifact, or an error when a fetch must not
// be issued. (nil, nil) means the fetch may proceed.
func (f *Fetcher) check(runID string) (*Artifact, error) {
	snap := f.store.Snapshot()
	if runID == "" || snap.Run.RunID != runID {
		return nil, ErrSuperseded
	}
	if snap.Run.Artifact != nil {
		return snap.Run.Artifact, nil
	}
	if snap.Run.Status != StatusSuccess {
		return nil, qerr.Errorf(qerr.CodeArtifactFetchFailed, "run %s has status %s", runID, snap.Run.Status)
	}
	return nil, nil
}

func (f *Fetcher) fetch(ctx context.Context, runID string) (*Artifact, error) {
	if a, err := f.check(runID); err != nil || a != nil {
		return a, err
	}

	log := f.log.With("run_id", runID)
	log.Debug("materializing artifact")

	mctx, cancel := withTimeout(ctx, f.timeout)
	err := f.gw.MaterializeArtifact(mctx, runID)
	cancel()
	if err != nil {
		return nil, f.fail(runID, fmt.Errorf("failed to materialize artifact: %w", err))
	}

	if a, err := f.check(runID); err != nil || a != nil {
		return a, err
	}

	rctx, cancel := withTimeout(ctx, f.timeout)
	a, err := f.gw.ReadArtifact(rctx, runID)
	cancel()
	if err != nil {
		return nil, f.fail(runID, fmt.Errorf("failed to read artifact: %w", err))
	}
	if a == nil {
		return nil, f.fail(runID, errors.New("gateway returned no artifact"))
	}
	if a.RunID != "" && a.RunID != runID {
		return nil, f.fail(runID, fmt.Errorf("gateway returned the artifact of run %s", a.RunID))
	}

	cp := *a
	cp.RunID = runID
	if !f.store.AttachArtifact(runID, &cp) {
		return f.check(runID)
	}
	log.Info("artifact attached", "model", cp.ModelUsed, "bytes", len(cp.Content))
	return &cp, nil
}

// fail records err against runID unless the run was superseded meanwhile.
func (f *Fetcher) fail(runID string, err error) error {
	if f.store.ActiveRunID() != runID {
		return ErrSuperseded
	}
	err = qerr.New(qerr.CodeArtifactFetchFailed, err)
	f.log.Error("artifact fetch failed", "run_id", runID, "error", err)
	f.store.SetError(runID, err)
	return err
}
