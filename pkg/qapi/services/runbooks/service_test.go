package runbooks

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quatton/runbookgen/pkg/db/models"
	"github.com/quatton/runbookgen/pkg/kv"
	"github.com/quatton/runbookgen/pkg/qart"
	"github.com/quatton/runbookgen/pkg/qjob"
	"github.com/quatton/runbookgen/pkg/qrunner"
)

// fakeRunner keeps runs in memory; tests move them along with set.
type fakeRunner struct {
	mu      sync.Mutex
	runs    map[string]*qrunner.Run
	outputs map[string]string
	seq     int

	gets  atomic.Int32
	reads atomic.Int32
	// readDelay widens the window for concurrent materialization.
	readDelay time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: map[string]*qrunner.Run{}, outputs: map[string]string{}}
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Submit(ctx context.Context, spec qrunner.JobSpec) (*qrunner.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	run := &qrunner.Run{
		ID:         fmt.Sprintf("run-%d", f.seq),
		Backend:    "fake",
		ModelID:    spec.ModelID,
		InputFiles: spec.InputFiles,
		Status:     qjob.StatusPending,
		CreatedAt:  time.Now(),
	}
	f.runs[run.ID] = run
	cp := *run
	return &cp, nil
}

func (f *fakeRunner) set(runID string, status qjob.Status, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID].Status = status
	if output != "" {
		f.outputs[runID] = output
	}
}

func (f *fakeRunner) GetRun(ctx context.Context, runID string) (*qrunner.Run, error) {
	f.gets.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, qrunner.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRunner) Cancel(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return qrunner.ErrRunNotFound
	}
	if run.Status.Terminal() {
		return qrunner.ErrRunFinished
	}
	run.Status = qjob.StatusTerminated
	return nil
}

func (f *fakeRunner) ListRuns(ctx context.Context, status *qjob.Status) ([]*qrunner.Run, error) {
	return nil, nil
}

func (f *fakeRunner) ReadOutput(ctx context.Context, runID string) (io.ReadCloser, error) {
	f.reads.Add(1)
	time.Sleep(f.readDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outputs[runID]
	if !ok {
		return nil, qrunner.ErrOutputNotReady
	}
	return io.NopCloser(strings.NewReader(out)), nil
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeRunner, *qart.FSStore) {
	t.Helper()
	runner := newFakeRunner()
	store, err := qart.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return NewService(runner, store, opts...), runner, store
}

func TestSubmitRunValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitRun(ctx, "dbrx-instruct", nil)
	require.ErrorIs(t, err, ErrNoInputFiles)

	_, err = svc.SubmitRun(ctx, "gpt-17", []string{"a.md"})
	require.ErrorIs(t, err, ErrUnknownModel)

	resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "PENDING", resp.Status)
}

func TestGetStatusCachesTerminal(t *testing.T) {
	svc, runner, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md"})
	require.NoError(t, err)

	st, err := svc.GetStatus(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", st.Status)

	runner.set(resp.RunID, qjob.StatusFailed, "")
	st, err = svc.GetStatus(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", st.Status)

	before := runner.gets.Load()
	st, err = svc.GetStatus(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", st.Status)
	assert.Equal(t, before, runner.gets.Load(), "terminal status should come from cache")

	_, err = svc.GetStatus(ctx, "nope")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestGetStatusWithoutCache(t *testing.T) {
	svc, runner, _ := newTestService(t, WithStatusCacheTTL(0))
	ctx := context.Background()

	resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md"})
	require.NoError(t, err)
	runner.set(resp.RunID, qjob.StatusSuccess, "x")

	for range 3 {
		_, err := svc.GetStatus(ctx, resp.RunID)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, runner.gets.Load())
}

func TestMaterializeArtifact(t *testing.T) {
	svc, runner, store := newTestService(t)
	ctx := context.Background()

	resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md", "b.md"})
	require.NoError(t, err)

	err = svc.MaterializeArtifact(ctx, resp.RunID)
	require.ErrorIs(t, err, ErrRunNotSucceeded)

	_, err = svc.ReadArtifact(ctx, resp.RunID)
	require.ErrorIs(t, err, ErrArtifactNotFound)

	runner.set(resp.RunID, qjob.StatusSuccess, "# Runbook\n")
	require.NoError(t, svc.MaterializeArtifact(ctx, resp.RunID))
	require.NoError(t, svc.MaterializeArtifact(ctx, resp.RunID))
	assert.EqualValues(t, 1, runner.reads.Load())

	art, err := svc.ReadArtifact(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, resp.RunID, art.RunID)
	assert.Equal(t, "# Runbook\n", art.Content)
	assert.Equal(t, "dbrx-instruct", art.ModelUsed)
	assert.Equal(t, "fake", art.Metadata["backend"])
	assert.Equal(t, []any{"a.md", "b.md"}, art.Metadata["input_files"])
	assert.False(t, art.GeneratedAt.IsZero())

	rc, err := store.Download(ctx, qart.RunArtifactKey(resp.RunID, qart.MetadataFile))
	require.NoError(t, err)
	rc.Close()
}

func TestMaterializeUnknownRun(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.MaterializeArtifact(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestMaterializeWithoutOutput(t *testing.T) {
	svc, runner, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md"})
	require.NoError(t, err)
	runner.set(resp.RunID, qjob.StatusSuccess, "")

	err = svc.MaterializeArtifact(ctx, resp.RunID)
	require.ErrorIs(t, err, ErrArtifactNotFound)

	// The lock was released, so a later attempt can succeed.
	runner.set(resp.RunID, qjob.StatusSuccess, "late")
	require.NoError(t, svc.MaterializeArtifact(ctx, resp.RunID))
}

func TestMaterializeConcurrentStoresOnce(t *testing.T) {
	svc, runner, _ := newTestService(t)
	runner.readDelay = 50 * time.Millisecond
	ctx := context.Background()

	resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md"})
	require.NoError(t, err)
	runner.set(resp.RunID, qjob.StatusSuccess, "doc")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = svc.MaterializeArtifact(ctx, resp.RunID)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, runner.reads.Load())
}

func TestMaterializeLockTimeout(t *testing.T) {
	store := kv.NewMemoryStore()
	svc, runner, _ := newTestService(t, WithKV(store), WithLockTTL(300*time.Millisecond))
	ctx := context.Background()

	resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md"})
	require.NoError(t, err)
	runner.set(resp.RunID, qjob.StatusSuccess, "doc")

	// A holder that never finishes.
	ok, err := store.SetNX(ctx, materializeKey(resp.RunID), []byte("1"), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	err = svc.MaterializeArtifact(ctx, resp.RunID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to lock")
}

func TestLatestAndVersions(t *testing.T) {
	svc, runner, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.LatestArtifact(ctx)
	require.ErrorIs(t, err, ErrArtifactNotFound)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 3 {
		resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md"})
		require.NoError(t, err)
		runner.set(resp.RunID, qjob.StatusSuccess, "doc "+resp.RunID)
		svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		require.NoError(t, svc.MaterializeArtifact(ctx, resp.RunID))
		ids = append(ids, resp.RunID)
	}

	versions, err := svc.ListVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, versions)

	latest, err := svc.LatestArtifact(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest.RunID)
	assert.Equal(t, "doc "+ids[2], latest.Content)
}

func TestCancelRun(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md"})
	require.NoError(t, err)

	require.NoError(t, svc.CancelRun(ctx, resp.RunID))
	st, err := svc.GetStatus(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "TERMINATED", st.Status)

	require.ErrorIs(t, svc.CancelRun(ctx, resp.RunID), ErrRunFinished)
	require.ErrorIs(t, svc.CancelRun(ctx, "missing"), ErrRunNotFound)
}

// The core tracker drives the service directly: submit, poll to SUCCESS,
// then fetch the artifact.
func TestTrackerAgainstService(t *testing.T) {
	svc, runner, _ := newTestService(t)
	tracker := qjob.NewTracker(svc, qjob.WithPollInterval(10*time.Millisecond))
	defer tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := tracker.Submit(ctx, "dbrx-instruct", []string{"a.md"})
	require.NoError(t, err)
	assert.Equal(t, qjob.StatusPending, run.Status)

	runner.set(run.RunID, qjob.StatusRunning, "")
	runner.set(run.RunID, qjob.StatusSuccess, "# Generated\n")

	snap, err := tracker.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, qjob.StatusSuccess, snap.Run.Status)
	require.NotNil(t, snap.Run.Artifact)
	assert.Equal(t, "# Generated\n", snap.Run.Artifact.Content)
}

// recordingIndex keeps the last runbook handed to SaveRunbook.
type recordingIndex struct {
	*ArtifactIndex

	mu    sync.Mutex
	saved *models.Runbook
}

func (i *recordingIndex) SaveRunbook(ctx context.Context, rb *models.Runbook) error {
	i.mu.Lock()
	i.saved = rb
	i.mu.Unlock()
	return i.ArtifactIndex.SaveRunbook(ctx, rb)
}

func TestMaterializeIndexesStoredMetadata(t *testing.T) {
	store, err := qart.NewFSStore(t.TempDir())
	require.NoError(t, err)
	idx := &recordingIndex{ArtifactIndex: NewArtifactIndex(store)}
	runner := newFakeRunner()
	svc := NewService(runner, store, WithIndex(idx))
	ctx := context.Background()

	resp, err := svc.SubmitRun(ctx, "dbrx-instruct", []string{"a.md"})
	require.NoError(t, err)
	runner.set(resp.RunID, qjob.StatusSuccess, "# Runbook\n")
	require.NoError(t, svc.MaterializeArtifact(ctx, resp.RunID))

	idx.mu.Lock()
	saved := idx.saved
	idx.mu.Unlock()
	require.NotNil(t, saved)
	require.NotNil(t, saved.Metadata)

	// The index holds the decoded metadata.json, not the Go values.
	assert.Equal(t, []any{"a.md"}, saved.Metadata["input_files"])
	assert.Equal(t, float64(len("# Runbook\n")), saved.Metadata["size_bytes"])
	assert.IsType(t, "", saved.Metadata["generated_at"])
	assert.Equal(t, "dbrx-instruct", saved.Metadata["model"])
}
