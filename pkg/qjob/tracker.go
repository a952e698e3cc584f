package qjob

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/quatton/runbookgen/pkg/qlog"
)

// Tracker drives one active run at a time: it submits, polls until a
// terminal status and fetches the artifact once the run succeeds.
type Tracker struct {
	store     *Store
	submitter *Submitter
	poller    *Poller
	fetcher   *Fetcher
	log       *qlog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	submitMu sync.Mutex
	fetches  sync.WaitGroup
}

type trackerOptions struct {
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	log      *qlog.Logger
	store    *Store
}

// Option configures a Tracker.
type Option func(*trackerOptions)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *trackerOptions) { o.clock = c }
}

// WithPollInterval sets the delay between two status queries.
func WithPollInterval(d time.Duration) Option {
	return func(o *trackerOptions) { o.interval = d }
}

// WithRequestTimeout bounds every gateway call. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *trackerOptions) { o.timeout = d }
}

func WithLogger(l *qlog.Logger) Option {
	return func(o *trackerOptions) { o.log = l }
}

func WithStore(s *Store) Option {
	return func(o *trackerOptions) { o.store = s }
}

func NewTracker(gw Gateway, opts ...Option) *Tracker {
	o := trackerOptions{
		clock:    clock.RealClock{},
		interval: DefaultPollInterval,
		timeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = qlog.NewQuiet()
	}
	if o.store == nil {
		o.store = NewStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		store:   o.store,
		log:     o.log,
		ctx:     ctx,
		cancel:  cancel,
		poller:  NewPoller(gw, o.store, o.clock, o.interval, o.timeout, o.log),
		fetcher: NewFetcher(gw, o.store, o.timeout, o.log),
	}
	t.submitter = NewSubmitter(gw, o.store, o.clock, o.timeout, o.log)
	t.submitter.supersede = t.poller.Stop
	t.poller.onSuccess = t.autoFetch
	return t
}

// Submit starts a new run. On success it becomes the active run and
// polling of any previous run ends.
func (t *Tracker) Submit(ctx context.Context, modelID string, files []string) (Run, error) {
	t.submitMu.Lock()
	defer t.submitMu.Unlock()

	if t.ctx.Err() != nil {
		return Run{}, ErrClosed
	}
	run, err := t.submitter.Submit(ctx, modelID, files)
	if err != nil {
		return Run{}, err
	}

	switch {
	case run.Status.Active():
		t.poller.Start(t.ctx, run.RunID)
	case run.Status == StatusSuccess:
		t.fetches.Add(1)
		go func() {
			defer t.fetches.Done()
			t.autoFetch(t.ctx, run.RunID)
		}()
	}
	return run, nil
}

// StartPolling resumes polling of the active run. It is a no-op when the
// run is already terminal.
func (t *Tracker) StartPolling() error {
	t.submitMu.Lock()
	defer t.submitMu.Unlock()

	if t.ctx.Err() != nil {
		return ErrClosed
	}
	run := t.store.Snapshot().Run
	if run.RunID == "" {
		return ErrNoActiveRun
	}
	if !run.Status.Active() {
		return nil
	}
	if id, ok := t.poller.Polling(); ok && id == run.RunID {
		return nil
	}
	t.poller.Start(t.ctx, run.RunID)
	return nil
}

func (t *Tracker) StopPolling() {
	t.poller.Stop()
}

// Polling reports whether a status loop is alive.
func (t *Tracker) Polling() bool {
	_, ok := t.poller.Polling()
	return ok
}

// Poll queries the status of the active run once, outside the loop.
func (t *Tracker) Poll(ctx context.Context) (Status, error) {
	return t.poller.Poll(ctx, t.store.ActiveRunID())
}

// FetchArtifact fetches the artifact of the active run. Use it to retry
// after an automatic fetch failed.
func (t *Tracker) FetchArtifact(ctx context.Context) (*Artifact, error) {
	runID := t.store.ActiveRunID()
	if runID == "" {
		return nil, ErrNoActiveRun
	}
	return t.fetcher.Fetch(ctx, runID)
}

func (t *Tracker) Snapshot() Snapshot {
	return t.store.Snapshot()
}

func (t *Tracker) Subscribe(l Listener) (cancel func()) {
	return t.store.Subscribe(l)
}

func (t *Tracker) DismissError() {
	t.store.DismissError()
}

// Wait blocks until the active run settles: terminal without an artifact
// to fetch, SUCCESS with its artifact attached, or a fatal error.
func (t *Tracker) Wait(ctx context.Context) (Snapshot, error) {
	changed := make(chan struct{}, 1)
	unsubscribe := t.store.Subscribe(func(Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		snap := t.store.Snapshot()
		switch {
		case snap.Run.RunID == "":
			return snap, ErrNoActiveRun
		case snap.Err != nil:
			return snap, snap.Err
		case snap.Run.Status == StatusSuccess && snap.Run.Artifact != nil:
			return snap, nil
		case snap.Run.Status.Terminal() && snap.Run.Status != StatusSuccess:
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-t.ctx.Done():
			return snap, ErrClosed
		case <-changed:
		}
	}
}

// Close stops polling and waits for background work to return.
func (t *Tracker) Close() {
	t.submitMu.Lock()
	t.cancel()
	t.submitMu.Unlock()

	t.poller.Stop()
	t.poller.wait()
	t.fetches.Wait()
}

func (t *Tracker) autoFetch(ctx context.Context, runID string) {
	if _, err := t.fetcher.Fetch(ctx, runID); err != nil && !errors.Is(err, ErrSuperseded) {
		t.log.Warn("automatic artifact fetch failed; retry with FetchArtifact", "run_id", runID)
	}
}
