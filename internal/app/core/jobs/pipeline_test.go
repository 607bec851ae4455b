package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/core/cleanup"
	"github.com/archetype-labs/archetyped/internal/app/core/registry"
	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/internal/app/domain/job"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/storage/memory"
)

type fakeClient struct {
	deployed  []agentrpc.DeployRequest
	destroyed []agentrpc.DestroyRequest
	failNext  bool
}

func (f *fakeClient) Deploy(ctx context.Context, req agentrpc.DeployRequest) (agentrpc.DeployResponse, error) {
	if f.failNext {
		return agentrpc.DeployResponse{}, context.DeadlineExceeded
	}
	f.deployed = append(f.deployed, req)
	return agentrpc.DeployResponse{Accepted: true}, nil
}

func (f *fakeClient) Destroy(ctx context.Context, req agentrpc.DestroyRequest) error {
	f.destroyed = append(f.destroyed, req)
	return nil
}

func (f *fakeClient) NodeAction(ctx context.Context, req agentrpc.NodeActionRequest) error {
	return nil
}

func (f *fakeClient) CheckImage(ctx context.Context, imageRef string) (agentrpc.CheckImageResponse, error) {
	return agentrpc.CheckImageResponse{Present: true}, nil
}

func TestSubmitRejectsConflictingJob(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := registry.New(store, store, store, 30*time.Second)
	p := New(store, store, reg, nil, nil, Config{}, nil, nil)

	if _, err := p.Submit(ctx, "lab-1", "user-1", "up"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := p.Submit(ctx, "lab-1", "user-1", "down"); err == nil {
		t.Fatal("expected conflict error for a second active job on the same lab")
	}
}

func TestSubmitAllowsConcurrentSyncs(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := registry.New(store, store, store, 30*time.Second)
	p := New(store, store, reg, nil, nil, Config{}, nil, nil)

	if _, err := p.Submit(ctx, "lab-1", "user-1", "sync:node:r1"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if _, err := p.Submit(ctx, "lab-1", "user-1", "sync:node:r2"); err != nil {
		t.Fatalf("second sync should not conflict: %v", err)
	}
}

func TestDispatchDeploysAndMarksCompleted(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := registry.New(store, store, store, 30*time.Second)
	b := newTestBus()

	client := &fakeClient{}
	p := New(store, store, reg, b, func(addr string) (AgentCaller, error) { return client, nil }, Config{}, nil, nil)

	if _, err := reg.Register(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Capabilities: agenthost.Capabilities{Providers: []string{"docker"}}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	j, err := p.Submit(ctx, "lab-1", "user-1", "up")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	nodes := []NodeRequest{{NodeID: "r1", ContainerName: "lab1-r1", Kind: "linux", Image: "linux:latest"}}
	if err := p.Dispatch(ctx, j, "docker", nodes); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("job status = %v, want completed", got.Status)
	}
	if len(client.deployed) != 1 {
		t.Fatalf("expected 1 deploy call, got %d", len(client.deployed))
	}
}

func TestDispatchSetsDesiredStateFromVerb(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := registry.New(store, store, store, 30*time.Second)
	b := newTestBus()

	client := &fakeClient{}
	p := New(store, store, reg, b, func(addr string) (AgentCaller, error) { return client, nil }, Config{}, nil, nil)

	if _, err := reg.Register(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Capabilities: agenthost.Capabilities{Providers: []string{"docker"}}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := store.CreateNodeState(ctx, nodestate.NodeState{
		LabID: "lab-1", NodeID: "r1",
		Desired: nodestate.DesiredStopped, Actual: nodestate.ActualUndeployed,
	}); err != nil {
		t.Fatalf("CreateNodeState: %v", err)
	}

	j, err := p.Submit(ctx, "lab-1", "user-1", "up")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	nodes := []NodeRequest{{NodeID: "r1", ContainerName: "lab1-r1", Kind: "linux", Image: "linux:latest"}}
	if err := p.Dispatch(ctx, j, "docker", nodes); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, err := store.GetNodeState(ctx, "lab-1", "r1")
	if err != nil {
		t.Fatalf("GetNodeState: %v", err)
	}
	if got.Desired != nodestate.DesiredRunning {
		t.Fatalf("desired = %v, want running after an up job dispatch", got.Desired)
	}
}

func TestDispatchDestroyEnqueuesDestroyFinished(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := registry.New(store, store, store, 30*time.Second)
	b := newTestBus()
	dispatcher := cleanup.NewDispatcher(nil)

	seen := make(chan cleanup.Event, 1)
	dispatcher.Register(cleanup.EventDestroyFinished, func(ctx context.Context, ev cleanup.Event) error {
		seen <- ev
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go dispatcher.Run(runCtx)

	client := &fakeClient{}
	p := New(store, store, reg, b, func(addr string) (AgentCaller, error) { return client, nil }, Config{}, dispatcher, nil)

	if _, err := reg.Register(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Capabilities: agenthost.Capabilities{Providers: []string{"docker"}}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	j, err := p.Submit(ctx, "lab-1", "user-1", "down")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	nodes := []NodeRequest{{NodeID: "r1", ContainerName: "lab1-r1"}}
	if err := p.Dispatch(ctx, j, "docker", nodes); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case ev := <-seen:
		if ev.LabID != "lab-1" {
			t.Fatalf("event LabID = %q, want lab-1", ev.LabID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected EventDestroyFinished to be dispatched after destroy completion")
	}
}
