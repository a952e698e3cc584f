package qjob

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 11, 20, 9, 0, 0, 0, time.UTC)

func pendingRun(id string) Run {
	return Run{RunID: id, Status: StatusPending, ModelID: "m1", InputFiles: []string{"a.md"}, SubmittedAt: t0}
}

func TestStoreStartsIdle(t *testing.T) {
	s := NewStore()
	snap := s.Snapshot()
	assert.Equal(t, StatusIdle, snap.Run.Status)
	assert.Empty(t, snap.Run.RunID)
	assert.Nil(t, snap.Run.Artifact)
	assert.NoError(t, snap.Err)
}

func TestStoreIdentityGuard(t *testing.T) {
	s := NewStore()
	s.Replace(pendingRun("r1"))

	_, applied := s.UpdateStatus("r0", Observation{Status: StatusRunning, At: t0})
	assert.False(t, applied)
	assert.False(t, s.AttachArtifact("r0", &Artifact{Content: "x"}))
	assert.False(t, s.SetError("r0", errors.New("boom")))

	from, applied := s.UpdateStatus("r1", Observation{Status: StatusRunning, At: t0.Add(time.Second)})
	require.True(t, applied)
	assert.Equal(t, StatusPending, from)
	assert.Equal(t, StatusRunning, s.Snapshot().Run.Status)
}

func TestStoreRejectsBackwardTransitions(t *testing.T) {
	s := NewStore()
	s.Replace(pendingRun("r1"))

	_, applied := s.UpdateStatus("r1", Observation{Status: StatusFailed, At: t0.Add(time.Second)})
	require.True(t, applied)

	for _, st := range []Status{StatusPending, StatusRunning, StatusSuccess} {
		_, applied = s.UpdateStatus("r1", Observation{Status: st, At: t0.Add(2 * time.Second)})
		assert.False(t, applied, "%s", st)
	}
	snap := s.Snapshot()
	assert.Equal(t, StatusFailed, snap.Run.Status)
	assert.Equal(t, t0.Add(2*time.Second), snap.Run.LastPolledAt, "a rejected report still counts as a completed poll")

	_, applied = s.UpdateStatus("r1", Observation{Status: StatusPending, At: t0})
	assert.False(t, applied)
	assert.Equal(t, t0.Add(2*time.Second), s.Snapshot().Run.LastPolledAt)
}

func TestStoreLastPolledAtNeverDecreases(t *testing.T) {
	s := NewStore()
	s.Replace(pendingRun("r1"))

	s.UpdateStatus("r1", Observation{Status: StatusPending, At: t0.Add(10 * time.Second)})
	s.UpdateStatus("r1", Observation{Status: StatusRunning, At: t0.Add(5 * time.Second)})

	snap := s.Snapshot()
	assert.Equal(t, StatusRunning, snap.Run.Status)
	assert.Equal(t, t0.Add(10*time.Second), snap.Run.LastPolledAt)
}

func TestStoreAttachArtifact(t *testing.T) {
	s := NewStore()
	s.Replace(pendingRun("r1"))

	assert.False(t, s.AttachArtifact("r1", &Artifact{Content: "early"}), "artifact before SUCCESS")

	s.UpdateStatus("r1", Observation{Status: StatusSuccess, At: t0})
	require.True(t, s.AttachArtifact("r1", &Artifact{RunID: "r1", Content: "# Report"}))
	assert.False(t, s.AttachArtifact("r1", &Artifact{RunID: "r1", Content: "second"}))

	assert.Equal(t, "# Report", s.Snapshot().Run.Artifact.Content)
}

func TestStoreReplaceDropsPreviousRun(t *testing.T) {
	s := NewStore()
	s.Replace(pendingRun("r1"))
	s.UpdateStatus("r1", Observation{Status: StatusSuccess, At: t0})
	s.AttachArtifact("r1", &Artifact{Content: "old"})
	s.SetError("r1", errors.New("boom"))

	s.Replace(pendingRun("r2"))

	snap := s.Snapshot()
	assert.Equal(t, "r2", snap.Run.RunID)
	assert.Equal(t, StatusPending, snap.Run.Status)
	assert.Nil(t, snap.Run.Artifact)
	assert.NoError(t, snap.Err)
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	s := NewStore()
	s.Replace(pendingRun("r1"))

	snap := s.Snapshot()
	snap.Run.InputFiles[0] = "mutated.md"

	assert.Equal(t, []string{"a.md"}, s.Snapshot().Run.InputFiles)
}

func TestStoreSubscribers(t *testing.T) {
	s := NewStore()
	var seen []Status
	cancel := s.Subscribe(func(snap Snapshot) {
		seen = append(seen, snap.Run.Status)
	})

	s.Replace(pendingRun("r1"))
	s.UpdateStatus("r1", Observation{Status: StatusRunning, At: t0})
	s.UpdateStatus("r9", Observation{Status: StatusFailed, At: t0})
	s.UpdateStatus("r1", Observation{Status: StatusSuccess, At: t0})
	cancel()
	s.Replace(pendingRun("r2"))

	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusSuccess}, seen)
}

func TestStoreErrorIndicator(t *testing.T) {
	s := NewStore()
	s.Replace(pendingRun("r1"))

	boom := errors.New("boom")
	require.True(t, s.SetError("r1", boom))
	assert.ErrorIs(t, s.Snapshot().Err, boom)

	s.DismissError()
	assert.NoError(t, s.Snapshot().Err)

	s.SetError("r1", boom)
	s.UpdateStatus("r1", Observation{Status: StatusRunning, At: t0})
	assert.NoError(t, s.Snapshot().Err, "successful update clears the error")
}

// Any sequence of reports that follows the transition graph leaves the
// store at the last applied status, and nothing ever moves it backwards.
func TestStoreStatusFollowsGraph(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	all := append([]Status{StatusIdle}, GatewayStatuses...)

	for i := 0; i < 200; i++ {
		s := NewStore()
		s.Replace(pendingRun("r1"))
		last := StatusPending

		for step := 0; step < 12; step++ {
			next := all[rng.Intn(len(all))]
			_, applied := s.UpdateStatus("r1", Observation{Status: next, At: t0.Add(time.Duration(step) * time.Second)})

			assert.Equal(t, CanTransition(last, next), applied, "%s -> %s", last, next)
			if applied {
				last = next
			}
			require.Equal(t, last, s.Snapshot().Run.Status)
		}
	}
}
