package qjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quatton/runbookgen/pkg/qlog"
	"github.com/quatton/runbookgen/pkg/qsdk/qerr"
)

const (
	testInterval = 5 * time.Millisecond
	waitFor      = 2 * time.Second
	tick         = time.Millisecond
)

func newTestTracker(t *testing.T, gw Gateway, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{
		WithPollInterval(testInterval),
		WithRequestTimeout(time.Second),
		WithLogger(qlog.NewNop()),
	}, opts...)
	tr := NewTracker(gw, opts...)
	t.Cleanup(tr.Close)
	return tr
}

func waitSettled(t *testing.T, tr *Tracker) (Snapshot, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return tr.Wait(ctx)
}

func TestTrackerHappyPath(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.script("r1", reply(StatusRunning), reply(StatusSuccess))
	gw.setArtifact("r1", "# Report")

	tr := newTestTracker(t, gw)
	run, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)
	assert.Equal(t, "r1", run.RunID)
	assert.Equal(t, StatusPending, run.Status)

	snap, err := waitSettled(t, tr)
	require.NoError(t, err)
	assert.Equal(t, "r1", snap.Run.RunID)
	assert.Equal(t, StatusSuccess, snap.Run.Status)
	require.NotNil(t, snap.Run.Artifact)
	assert.Equal(t, "# Report", snap.Run.Artifact.Content)
	assert.Equal(t, "m1", snap.Run.ModelID)
	assert.Equal(t, []string{"a.md"}, snap.Run.InputFiles)
	assert.False(t, snap.Run.LastPolledAt.Before(snap.Run.SubmittedAt))

	_, materialize, read := gw.counts("r1")
	assert.Equal(t, 1, materialize)
	assert.Equal(t, 1, read)
	assert.Eventually(t, func() bool { return !tr.Polling() }, waitFor, tick)
}

func TestTrackerSubmitWithoutFiles(t *testing.T) {
	gw := newFakeGateway()
	tr := newTestTracker(t, gw)

	_, err := tr.Submit(context.Background(), "m1", nil)
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeSubmissionFailed))

	snap := tr.Snapshot()
	assert.Equal(t, StatusIdle, snap.Run.Status)
	assert.Empty(t, snap.Run.RunID)
	assert.Zero(t, gw.submitCalls)
}

func TestTrackerSubmitFailureKeepsPreviousRun(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "RUNNING")
	gw.script("r1", reply(StatusRunning))

	tr := newTestTracker(t, gw)
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)

	gw.mu.Lock()
	gw.submitErr = errors.New("503 service unavailable")
	gw.mu.Unlock()

	_, err = tr.Submit(context.Background(), "m2", []string{"b.md"})
	assert.True(t, qerr.IsCode(err, qerr.CodeSubmissionFailed))

	snap := tr.Snapshot()
	assert.Equal(t, "r1", snap.Run.RunID)
	assert.Equal(t, StatusRunning, snap.Run.Status)
	assert.True(t, tr.Polling())
}

func TestTrackerSubmitRejectsUnknownInitialStatus(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "QUEUED")

	tr := newTestTracker(t, gw)
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	assert.True(t, qerr.IsCode(err, qerr.CodeSubmissionFailed))
	assert.Equal(t, StatusIdle, tr.Snapshot().Run.Status)
}

// A poll for r1 that resolves after r2 was submitted must not touch the
// store, and r1's artifact is never fetched.
func TestTrackerSupersededPollIsDiscarded(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.queueSubmit("r2", "PENDING")
	gw.script("r1", reply(StatusSuccess))
	gw.script("r2", reply(StatusRunning))
	gw.setArtifact("r1", "stale")
	gate := gw.block("r1")

	tr := newTestTracker(t, gw)
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)

	select {
	case id := <-gw.statusEntered:
		require.Equal(t, "r1", id)
	case <-time.After(waitFor):
		t.Fatal("r1 was never polled")
	}

	_, err = tr.Submit(context.Background(), "m1", []string{"b.md"})
	require.NoError(t, err)

	close(gate)
	tr.Close()

	snap := tr.Snapshot()
	assert.Equal(t, "r2", snap.Run.RunID)
	assert.NotEqual(t, StatusSuccess, snap.Run.Status)
	assert.Nil(t, snap.Run.Artifact)

	_, materialize, read := gw.counts("r1")
	assert.Zero(t, materialize)
	assert.Zero(t, read)
}

func TestTrackerTransportFailureDoesNotStopPolling(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.script("r1",
		reply(StatusRunning),
		replyErr("connection reset"),
		replyErr("timeout"),
		reply(StatusSuccess),
	)
	gw.setArtifact("r1", "# Report")

	tr := newTestTracker(t, gw)

	var mu sync.Mutex
	var seen []Status
	cancel := tr.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Run.Status)
	})
	defer cancel()

	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)

	snap, err := waitSettled(t, tr)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, snap.Run.Status)

	polls, _, _ := gw.counts("r1")
	assert.Equal(t, 4, polls)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		assert.True(t, CanTransition(seen[i-1], seen[i]), "%s -> %s", seen[i-1], seen[i])
	}
}

func TestTrackerUnknownStatusStopsPolling(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.script("r1", reply(StatusRunning), statusReply{status: "EXPLODED"})

	tr := newTestTracker(t, gw)
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)

	snap, err := waitSettled(t, tr)
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeUnknownStatus))
	assert.Equal(t, StatusRunning, snap.Run.Status)

	require.Eventually(t, func() bool { return !tr.Polling() }, waitFor, tick)
	polls, _, _ := gw.counts("r1")
	time.Sleep(5 * testInterval)
	after, _, _ := gw.counts("r1")
	assert.Equal(t, polls, after)

	tr.DismissError()
	assert.NoError(t, tr.Snapshot().Err)
}

func TestTrackerManualPollUnknownStatusStopsLoop(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.script("r1", statusReply{status: "EXPLODED"})

	tr := newTestTracker(t, gw, WithPollInterval(time.Hour))
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)
	require.True(t, tr.Polling())

	_, err = tr.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeUnknownStatus))
	assert.False(t, tr.Polling(), "the loop stops with the manual poll")

	snap := tr.Snapshot()
	assert.Equal(t, StatusPending, snap.Run.Status)
	assert.True(t, qerr.IsCode(snap.Err, qerr.CodeUnknownStatus))
}

func TestTrackerFetchesOncePerSuccess(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "RUNNING")
	gw.script("r1", reply(StatusSuccess))
	gw.setArtifact("r1", "# Report")

	tr := newTestTracker(t, gw)
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)
	_, err = waitSettled(t, tr)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		st, err := tr.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, st)
	}
	a, err := tr.FetchArtifact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "# Report", a.Content)

	_, materialize, read := gw.counts("r1")
	assert.Equal(t, 1, materialize)
	assert.Equal(t, 1, read)
}

func TestTrackerFetchFailureAndRetry(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.script("r1", reply(StatusSuccess))
	gw.setArtifact("r1", "# Report")
	gw.setMaterializeErr(errors.New("dbfs unavailable"))

	tr := newTestTracker(t, gw)
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)

	snap, err := waitSettled(t, tr)
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeArtifactFetchFailed))
	assert.Equal(t, StatusSuccess, snap.Run.Status)
	assert.Nil(t, snap.Run.Artifact)

	gw.setMaterializeErr(nil)
	a, err := tr.FetchArtifact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "# Report", a.Content)

	snap = tr.Snapshot()
	assert.NoError(t, snap.Err)
	require.NotNil(t, snap.Run.Artifact)

	_, materialize, read := gw.counts("r1")
	assert.Equal(t, 2, materialize)
	assert.Equal(t, 1, read)
}

func TestTrackerRejectsArtifactOfAnotherRun(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.script("r1", reply(StatusSuccess))
	gw.setArtifact("r1", "# Report")
	gw.artifacts["r1"].RunID = "r0"

	tr := newTestTracker(t, gw)
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)

	snap, err := waitSettled(t, tr)
	assert.True(t, qerr.IsCode(err, qerr.CodeArtifactFetchFailed))
	assert.Nil(t, snap.Run.Artifact)
}

func TestTrackerInitialSuccessFetchesDirectly(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "SUCCESS")
	gw.setArtifact("r1", "cached")

	tr := newTestTracker(t, gw)
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)
	assert.False(t, tr.Polling())

	snap, err := waitSettled(t, tr)
	require.NoError(t, err)
	assert.Equal(t, "cached", snap.Run.Artifact.Content)

	polls, materialize, _ := gw.counts("r1")
	assert.Zero(t, polls)
	assert.Equal(t, 1, materialize)
}

func TestTrackerTerminalFailureNeedsNoFetch(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.script("r1", reply(StatusRunning), reply(StatusFailed))

	tr := newTestTracker(t, gw)
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)

	snap, err := waitSettled(t, tr)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Run.Status)

	_, materialize, _ := gw.counts("r1")
	assert.Zero(t, materialize)

	_, err = tr.FetchArtifact(context.Background())
	assert.True(t, qerr.IsCode(err, qerr.CodeArtifactFetchFailed))
}

func TestTrackerStopAndStartPolling(t *testing.T) {
	gw := newFakeGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.script("r1", reply(StatusPending))

	tr := newTestTracker(t, gw)
	require.ErrorIs(t, tr.StartPolling(), ErrNoActiveRun)

	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)
	require.True(t, tr.Polling())

	tr.StopPolling()
	assert.False(t, tr.Polling())

	require.NoError(t, tr.StartPolling())
	assert.True(t, tr.Polling())

	select {
	case <-gw.statusEntered:
	case <-time.After(waitFor):
		t.Fatal("polling did not resume")
	}
}

func TestTrackerClosed(t *testing.T) {
	gw := newFakeGateway()
	tr := newTestTracker(t, gw)
	tr.Close()

	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.StartPolling(), ErrClosed)
}

func TestTrackerSubmitTimeoutKeepsPreviousRun(t *testing.T) {
	gw := newStallingGateway()
	gw.queueSubmit("r1", "PENDING")
	gw.script("r1", reply(StatusPending))

	tr := newTestTracker(t, gw, WithRequestTimeout(50*time.Millisecond), WithPollInterval(time.Hour))
	_, err := tr.Submit(context.Background(), "m1", []string{"a.md"})
	require.NoError(t, err)
	before := tr.Snapshot()

	gw.set(false, true)
	_, err = tr.Submit(context.Background(), "m1", []string{"b.md"})
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeSubmissionFailed), err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), err)
	assert.Equal(t, 1, gw.stalled())

	after := tr.Snapshot()
	assert.Equal(t, before.Run, after.Run)
	assert.True(t, tr.Polling(), "the previous run keeps its poller")
}
