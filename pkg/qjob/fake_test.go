package qjob

import (
	"context"
	"errors"
	"sync"
	"time"
)

type statusReply struct {
	status string
	err    error
}

// fakeGateway scripts gateway replies per run. The last scripted status
// reply of a run repeats once the queue is drained.
type fakeGateway struct {
	mu sync.Mutex

	submits   []SubmitResponse
	submitErr error

	statuses map[string][]statusReply
	gates    map[string]chan struct{}

	materializeErr  error
	materializeGate chan struct{}
	readErr         error
	artifacts       map[string]*Artifact

	submitCalls      int
	statusCalls      map[string]int
	materializeCalls map[string]int
	readCalls        map[string]int

	statusEntered chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses:         make(map[string][]statusReply),
		gates:            make(map[string]chan struct{}),
		artifacts:        make(map[string]*Artifact),
		statusCalls:      make(map[string]int),
		materializeCalls: make(map[string]int),
		readCalls:        make(map[string]int),
		statusEntered:    make(chan string, 256),
	}
}

func (g *fakeGateway) queueSubmit(runID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits = append(g.submits, SubmitResponse{RunID: runID, Status: status})
}

func (g *fakeGateway) script(runID string, replies ...statusReply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[runID] = append(g.statuses[runID], replies...)
}

func (g *fakeGateway) block(runID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate := make(chan struct{})
	g.gates[runID] = gate
	return gate
}

func (g *fakeGateway) setArtifact(runID, content string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.artifacts[runID] = &Artifact{
		RunID:       runID,
		Content:     content,
		Metadata:    map[string]any{"source": "fake"},
		ModelUsed:   "m1",
		GeneratedAt: time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC),
	}
}

func (g *fakeGateway) setMaterializeErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.materializeErr = err
}

func (g *fakeGateway) counts(runID string) (status, materialize, read int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls[runID], g.materializeCalls[runID], g.readCalls[runID]
}

func (g *fakeGateway) SubmitRun(_ context.Context, _ string, _ []string) (*SubmitResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	if len(g.submits) == 0 {
		return nil, errors.New("no scripted submission")
	}
	resp := g.submits[0]
	g.submits = g.submits[1:]
	return &resp, nil
}

// GetStatus ignores ctx while gated, like a request that cannot be aborted.
func (g *fakeGateway) GetStatus(_ context.Context, runID string) (*StatusResponse, error) {
	g.mu.Lock()
	g.statusCalls[runID]++
	var reply statusReply
	queue := g.statuses[runID]
	switch {
	case len(queue) == 0:
		reply = statusReply{err: errors.New("no scripted status")}
	case len(queue) == 1:
		reply = queue[0]
	default:
		reply = queue[0]
		g.statuses[runID] = queue[1:]
	}
	gate := g.gates[runID]
	g.mu.Unlock()

	select {
	case g.statusEntered <- runID:
	default:
	}
	if gate != nil {
		<-gate
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &StatusResponse{RunID: runID, Status: reply.status}, nil
}

func (g *fakeGateway) MaterializeArtifact(_ context.Context, runID string) error {
	g.mu.Lock()
	g.materializeCalls[runID]++
	err := g.materializeErr
	gate := g.materializeGate
	g.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (g *fakeGateway) ReadArtifact(_ context.Context, runID string) (*Artifact, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readCalls[runID]++
	if g.readErr != nil {
		return nil, g.readErr
	}
	a, ok := g.artifacts[runID]
	if !ok {
		return nil, errors.New("artifact not found")
	}
	cp := *a
	return &cp, nil
}

func reply(status Status) statusReply {
	return statusReply{status: string(status)}
}

func replyErr(msg string) statusReply {
	return statusReply{err: errors.New(msg)}
}

// stallingGateway hangs until the call's context ends when stalling is on,
// like a gateway that accepted the connection but never answers.
type stallingGateway struct {
	*fakeGateway

	mu          sync.Mutex
	stallStatus bool
	stallSubmit bool
	stalls      int
}

func newStallingGateway() *stallingGateway {
	return &stallingGateway{fakeGateway: newFakeGateway()}
}

func (g *stallingGateway) set(status, submit bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stallStatus, g.stallSubmit = status, submit
}

func (g *stallingGateway) stalled() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stalls
}

func (g *stallingGateway) stall(ctx context.Context, on bool) (bool, error) {
	g.mu.Lock()
	if !on {
		g.mu.Unlock()
		return false, nil
	}
	g.stalls++
	g.mu.Unlock()
	<-ctx.Done()
	return true, ctx.Err()
}

func (g *stallingGateway) SubmitRun(ctx context.Context, modelID string, files []string) (*SubmitResponse, error) {
	g.mu.Lock()
	on := g.stallSubmit
	g.mu.Unlock()
	if stalled, err := g.stall(ctx, on); stalled {
		return nil, err
	}
	return g.fakeGateway.SubmitRun(ctx, modelID, files)
}

func (g *stallingGateway) GetStatus(ctx context.Context, runID string) (*StatusResponse, error) {
	g.mu.Lock()
	on := g.stallStatus
	g.mu.Unlock()
	if stalled, err := g.stall(ctx, on); stalled {
		return nil, err
	}
	return g.fakeGateway.GetStatus(ctx, runID)
}
