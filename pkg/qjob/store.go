package qjob

import (
	"slices"
	"sync"
)

// Listener receives a snapshot after every mutation of a Store. Listeners
// run synchronously in mutation order and must not mutate the store.
type Listener func(Snapshot)

// Store is the single slot holding the current run. Every write that
// targets a run is checked against the stored run id, so observations from
// a superseded run are dropped here rather than by the caller.
type Store struct {
	// notifyMu serializes mutate+notify so listeners see mutations in order.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	run       Run
	err       error
	nextSub   int
	listeners map[int]Listener
}

func NewStore() *Store {
	return &Store{
		run:       IdleRun(),
		listeners: make(map[int]Listener),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Run: s.run.clone(), Err: s.err}
}

// ActiveRunID returns the stored run id, or "" when idle.
func (s *Store) ActiveRunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.RunID
}

// Replace installs run as the current run, dropping the previous run, its
// artifact and any error.
func (s *Store) Replace(run Run) {
	s.mutate(func() bool {
		s.run = run.clone()
		if s.run.RunID == "" {
			s.run = IdleRun()
		}
		s.err = nil
		return true
	})
}

// UpdateStatus applies obs to the run identified by runID. It returns the
// status before the update and whether the status was applied. Updates for
// another run are ignored. A backward transition leaves the status alone
// but still advances LastPolledAt, since the poll did complete.
func (s *Store) UpdateStatus(runID string, obs Observation) (Status, bool) {
	var (
		from    Status
		applied bool
	)
	s.mutate(func() bool {
		from = s.run.Status
		if runID == "" || s.run.RunID != runID {
			return false
		}
		polled := obs.At.After(s.run.LastPolledAt)
		if polled {
			s.run.LastPolledAt = obs.At
		}
		if !CanTransition(from, obs.Status) {
			return polled
		}
		applied = true
		s.run.Status = obs.Status
		if obs.Message != "" {
			s.run.Message = obs.Message
		}
		if obs.StartedAt != nil {
			t := *obs.StartedAt
			s.run.StartedAt = &t
		}
		s.err = nil
		return true
	})
	return from, applied
}

// AttachArtifact sets the artifact of runID once, and only while the run
// is in SUCCESS.
func (s *Store) AttachArtifact(runID string, a *Artifact) bool {
	if a == nil {
		return false
	}
	return s.mutate(func() bool {
		if runID == "" || s.run.RunID != runID {
			return false
		}
		if s.run.Status != StatusSuccess || s.run.Artifact != nil {
			return false
		}
		cp := *a
		s.run.Artifact = &cp
		s.err = nil
		return true
	})
}

// SetError records a fatal failure for runID.
func (s *Store) SetError(runID string, err error) bool {
	if err == nil {
		return false
	}
	return s.mutate(func() bool {
		if runID == "" || s.run.RunID != runID {
			return false
		}
		s.err = err
		return true
	})
}

// DismissError clears the error indicator.
func (s *Store) DismissError() {
	s.mutate(func() bool {
		if s.err == nil {
			return false
		}
		s.err = nil
		return true
	})
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) mutate(fn func() bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return false
	}
	snap := Snapshot{Run: s.run.clone(), Err: s.err}
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.mu.Unlock()

	for _, l := range ls {
		l(snap)
	}
	return true
}
