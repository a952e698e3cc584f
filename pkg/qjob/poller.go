package qjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/quatton/runbookgen/pkg/qlog"
	"github.com/quatton/runbookgen/pkg/qsdk/qerr"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Poller owns the status loop of the active run. The delay between two
// polls is measured from the end of one query to the start of the next.
type Poller struct {
	gw       Gateway
	store    *Store
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	log      *qlog.Logger

	// onSuccess fires once when the active run first enters SUCCESS.
	onSuccess func(ctx context.Context, runID string)

	calls singleflight.Group

	mu     sync.Mutex
	gen    uint64
	runID  string
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

func NewPoller(gw Gateway, store *Store, clk clock.Clock, interval, timeout time.Duration, log *qlog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{gw: gw, store: store, clock: clk, interval: interval, timeout: timeout, log: log}
}

// Start begins polling runID, superseding any loop that is already alive.
// The superseded loop is cancelled but not waited for; it cannot start
// another tick and its in-flight result is discarded.
func (p *Poller) Start(ctx context.Context, runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	if runID == "" {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	gen := p.gen
	p.cancel = cancel
	p.runID = runID

	p.loops.Add(1)
	go p.loop(loopCtx, gen, runID)
}

// Stop ends the current loop, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Polling returns the run the live loop is following.
func (p *Poller) Polling() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID, p.runID != ""
}

// stopRun ends the live loop only if it is following runID.
func (p *Poller) stopRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runID == runID {
		p.stopLocked()
	}
}

func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	p.runID = ""
}

func (p *Poller) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}

// finish clears the loop bookkeeping if gen is still the live loop.
func (p *Poller) finish(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen {
		p.stopLocked()
	}
}

// wait blocks until every loop goroutine has returned.
func (p *Poller) wait() {
	p.loops.Wait()
}

func (p *Poller) loop(ctx context.Context, gen uint64, runID string) {
	defer p.loops.Done()
	defer p.finish(gen)

	log := p.log.With("run_id", runID)
	log.Debug("polling started", "interval", p.interval)

	for {
		timer := p.clock.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug("polling stopped")
			return
		case <-timer.C():
		}

		if !p.current(gen) {
			return
		}

		status, err := p.Poll(ctx, runID)
		switch {
		case err == nil && status.Active():
			continue
		case err == nil:
			log.Debug("run reached terminal status", "status", status)
			return
		case qerr.IsCode(err, qerr.CodePollTransportFailed):
			// Next tick retries.
			continue
		default:
			return
		}
	}
}

// Poll performs one status query for runID and applies the result if runID
// is still the active run. Concurrent polls of the same run share a single
// gateway call.
func (p *Poller) Poll(ctx context.Context, runID string) (Status, error) {
	if runID == "" {
		return "", ErrNoActiveRun
	}

	v, err, _ := p.calls.Do(runID, func() (any, error) {
		callCtx, cancel := withTimeout(ctx, p.timeout)
		defer cancel()
		return p.gw.GetStatus(callCtx, runID)
	})
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	var resp *StatusResponse
	if err == nil {
		resp, _ = v.(*StatusResponse)
		switch {
		case resp == nil:
			err = errors.New("empty status response")
		case resp.RunID != "" && resp.RunID != runID:
			err = fmt.Errorf("status response is for run %s", resp.RunID)
		}
	}
	if err != nil {
		err = qerr.New(qerr.CodePollTransportFailed, fmt.Errorf("failed to get status of run %s: %w", runID, err))
		p.log.Warn("status poll failed", "run_id", runID, "error", err)
		return "", err
	}

	// Check against the run that is active now, not the one captured when
	// the query was issued.
	if p.store.ActiveRunID() != runID {
		return "", ErrSuperseded
	}

	status, err := ParseStatus(resp.Status)
	if err != nil {
		p.log.Error("stopping poll on unknown status", "run_id", runID, "status", resp.Status)
		p.store.SetError(runID, err)
		// A one-off Poll must end the live loop too.
		p.stopRun(runID)
		return "", err
	}

	from, ok := p.store.UpdateStatus(runID, Observation{
		Status:    status,
		At:        p.clock.Now(),
		Message:   resp.Message,
		StartedAt: resp.StartTime,
	})
	if !ok {
		if p.store.ActiveRunID() != runID {
			return "", ErrSuperseded
		}
		p.log.Warn("ignoring backward status transition", "run_id", runID, "from", from, "to", status)
		return from, nil
	}
	if from != status {
		p.log.Info("run status changed", "run_id", runID, "from", from, "to", status)
	}

	if status == StatusSuccess && from != StatusSuccess && p.onSuccess != nil {
		p.onSuccess(ctx, runID)
	}
	return status, nil
}
