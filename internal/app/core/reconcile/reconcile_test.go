package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/internal/app/domain/lab"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/domain/placement"
	"github.com/archetype-labs/archetyped/internal/app/storage/memory"
)

type fakeAgentClient struct {
	status agentrpc.GetLabStatusResponse
}

func (f *fakeAgentClient) GetLabStatus(ctx context.Context, labID string) (agentrpc.GetLabStatusResponse, error) {
	return f.status, nil
}

func TestRunLabAppliesReportedStateAndAggregates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	if _, err := store.CreateLab(ctx, lab.Lab{ID: "lab-1", Owner: "u1", State: lab.StateStopped}); err != nil {
		t.Fatalf("CreateLab: %v", err)
	}
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := store.SetPlacement(ctx, placement.Placement{LabID: "lab-1", NodeName: "r1", HostID: "a1"}); err != nil {
		t.Fatalf("SetPlacement: %v", err)
	}
	if _, err := store.CreateNodeState(ctx, nodestate.NodeState{
		LabID: "lab-1", NodeID: "r1", Desired: nodestate.DesiredRunning, Actual: nodestate.ActualUndeployed,
	}); err != nil {
		t.Fatalf("CreateNodeState: %v", err)
	}

	client := &fakeAgentClient{status: agentrpc.GetLabStatusResponse{
		Nodes: []agentrpc.NodeStatus{{NodeID: "r1", State: "starting", IsReady: false}},
	}}
	loop := New(store, store, store, store, func(addr string) (AgentCaller, error) { return client, nil }, nil)

	if err := loop.RunLab(ctx, "lab-1"); err != nil {
		t.Fatalf("RunLab: %v", err)
	}

	ns, err := store.GetNodeState(ctx, "lab-1", "r1")
	if err != nil {
		t.Fatalf("GetNodeState: %v", err)
	}
	if ns.Actual != nodestate.ActualStarting {
		t.Fatalf("actual = %v, want starting", ns.Actual)
	}

	got, err := store.GetLab(ctx, "lab-1")
	if err != nil {
		t.Fatalf("GetLab: %v", err)
	}
	if got.State != lab.StateRunning {
		t.Fatalf("lab state = %v, want running (partial/starting treated as running)", got.State)
	}
}

func TestRunLabSkipsOfflineAgents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	if _, err := store.CreateLab(ctx, lab.Lab{ID: "lab-1"}); err != nil {
		t.Fatalf("CreateLab: %v", err)
	}
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a1", Status: agenthost.StatusOffline}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := store.SetPlacement(ctx, placement.Placement{LabID: "lab-1", NodeName: "r1", HostID: "a1"}); err != nil {
		t.Fatalf("SetPlacement: %v", err)
	}
	if _, err := store.CreateNodeState(ctx, nodestate.NodeState{
		LabID: "lab-1", NodeID: "r1", Desired: nodestate.DesiredRunning, Actual: nodestate.ActualUndeployed,
	}); err != nil {
		t.Fatalf("CreateNodeState: %v", err)
	}

	called := false
	client := &fakeAgentClient{}
	loop := New(store, store, store, store, func(addr string) (AgentCaller, error) { called = true; return client, nil }, nil)

	if err := loop.RunLab(ctx, "lab-1"); err != nil {
		t.Fatalf("RunLab: %v", err)
	}
	if called {
		t.Fatal("expected offline agent to be skipped, not queried")
	}
}

func TestFlapDetectorDoesNotSuppressReconciliation(t *testing.T) {
	l := New(nil, nil, nil, nil, nil, nil)
	for i := 0; i < FlapThreshold+2; i++ {
		l.recordTransition("lab-1", "r1", nodestate.ActualRunning)
	}
	l.mu.Lock()
	rec := l.flaps["lab-1/r1"]
	l.mu.Unlock()
	if rec.transitions < FlapThreshold {
		t.Fatalf("expected transitions >= %d, got %d", FlapThreshold, rec.transitions)
	}
	_ = time.Now()
}
