package overlay

import (
	"context"
	"testing"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/domain/node"
	"github.com/archetype-labs/archetyped/internal/app/storage/memory"
)

type fakeOverlayAgent struct {
	resp        agentrpc.DeclareOverlayStateResponse
	unsupported bool
	declareReq  agentrpc.DeclareOverlayStateRequest
	reconciled  bool
}

func (f *fakeOverlayAgent) DeclareOverlayState(ctx context.Context, req agentrpc.DeclareOverlayStateRequest) (agentrpc.DeclareOverlayStateResponse, error) {
	f.declareReq = req
	if f.unsupported {
		return agentrpc.DeclareOverlayStateResponse{Unsupported: true}, nil
	}
	return f.resp, nil
}

func (f *fakeOverlayAgent) ReconcileVxlanPorts(ctx context.Context) (agentrpc.ReconcileVxlanPortsResponse, error) {
	f.reconciled = true
	return agentrpc.ReconcileVxlanPortsResponse{}, nil
}

func seedCrossHostLink(t *testing.T, store *memory.Store) (labID, canonical string) {
	t.Helper()
	ctx := context.Background()
	labID = "lab-1"
	l := link.Link{ID: "link-1", LabID: labID,
		Source: node.Endpoint{NodeName: "r1", Interface: "eth1"},
		Target: node.Endpoint{NodeName: "r3", Interface: "eth1"},
	}
	canonical = l.CanonicalName()

	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent a1: %v", err)
	}
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a2", Address: "http://a2", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent a2: %v", err)
	}
	if _, err := store.CreateLinkState(ctx, link.LinkState{
		LabID: labID, CanonicalName: canonical, Source: l.Source, Target: l.Target,
		Desired: link.DesiredUp, Actual: link.ActualUp, IsCrossHost: true,
		SourceHostID: "a1", TargetHostID: "a2", VNI: 12345,
	}); err != nil {
		t.Fatalf("CreateLinkState: %v", err)
	}
	if _, err := store.CreateVxlanTunnel(ctx, link.VxlanTunnel{
		LabID: labID, LinkName: canonical, VNI: 12345,
		AgentAID: "a1", AgentAIP: "http://a1", AgentBID: "a2", AgentBIP: "http://a2",
		PortName: "vxlan-" + canonical, Status: link.TunnelActive,
	}); err != nil {
		t.Fatalf("CreateVxlanTunnel: %v", err)
	}
	return labID, canonical
}

func TestRunLabMarksBothSidesAttachedOnConverged(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	labID, canonical := seedCrossHostLink(t, store)

	agentA := &fakeOverlayAgent{resp: agentrpc.DeclareOverlayStateResponse{
		Results: []agentrpc.OverlayResult{{LinkName: canonical, Status: "converged"}},
	}}
	agentB := &fakeOverlayAgent{resp: agentrpc.DeclareOverlayStateResponse{
		Results: []agentrpc.OverlayResult{{LinkName: canonical, Status: "created"}},
	}}

	loop := New(store, store, func(addr string) (AgentCaller, error) {
		if addr == "http://a1" {
			return agentA, nil
		}
		return agentB, nil
	}, nil)

	if err := loop.RunLab(ctx, labID); err != nil {
		t.Fatalf("RunLab: %v", err)
	}

	if len(agentA.declareReq.Entries) != 1 || len(agentB.declareReq.Entries) != 1 {
		t.Fatalf("expected one declared entry per agent, got %d/%d", len(agentA.declareReq.Entries), len(agentB.declareReq.Entries))
	}

	ls, err := store.GetLinkState(ctx, labID, canonical)
	if err != nil {
		t.Fatalf("GetLinkState: %v", err)
	}
	if !ls.SourceVxlanAttached || !ls.TargetVxlanAttached {
		t.Fatal("expected both sides marked attached after convergence")
	}
}

func TestRunLabFallsBackWhenUnsupported(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	labID, _ := seedCrossHostLink(t, store)

	agentA := &fakeOverlayAgent{unsupported: true}
	agentB := &fakeOverlayAgent{unsupported: true}

	loop := New(store, store, func(addr string) (AgentCaller, error) {
		if addr == "http://a1" {
			return agentA, nil
		}
		return agentB, nil
	}, nil)

	if err := loop.RunLab(ctx, labID); err != nil {
		t.Fatalf("RunLab: %v", err)
	}
	if !agentA.reconciled || !agentB.reconciled {
		t.Fatal("expected fallback ReconcileVxlanPorts call on both agents")
	}
}
