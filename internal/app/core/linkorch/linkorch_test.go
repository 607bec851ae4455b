package linkorch

import (
	"context"
	"testing"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/domain/node"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/domain/placement"
	"github.com/archetype-labs/archetyped/internal/app/storage/memory"
)

type fakeLinkAgent struct {
	failCreate    bool
	failDetach    map[string]bool // port -> fail
	createCalls   int
	detachCalls   []string
	attachCalls   []string
}

func (f *fakeLinkAgent) CreateLink(ctx context.Context, req agentrpc.CreateLinkRequest) (agentrpc.CreateLinkResponse, error) {
	f.createCalls++
	if f.failCreate {
		return agentrpc.CreateLinkResponse{}, context.DeadlineExceeded
	}
	return agentrpc.CreateLinkResponse{VLANTag: 42}, nil
}

func (f *fakeLinkAgent) DeleteLink(ctx context.Context, req agentrpc.DeleteLinkRequest) error {
	return nil
}

func (f *fakeLinkAgent) SetupCrossHostLink(ctx context.Context, req agentrpc.SetupCrossHostLinkRequest) (agentrpc.SetupCrossHostLinkResponse, error) {
	return agentrpc.SetupCrossHostLinkResponse{VLANTag: 7}, nil
}

func (f *fakeLinkAgent) DetachOverlayInterface(ctx context.Context, req agentrpc.DetachOverlayInterfaceRequest) error {
	f.detachCalls = append(f.detachCalls, req.PortName)
	if f.failDetach != nil && f.failDetach[req.PortName] {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeLinkAgent) AttachOverlayInterface(ctx context.Context, req agentrpc.AttachOverlayInterfaceRequest) error {
	f.attachCalls = append(f.attachCalls, req.PortName)
	return nil
}

func newTestOrchestrator(t *testing.T, store *memory.Store, agents map[string]*fakeLinkAgent) *Orchestrator {
	t.Helper()
	return New(store, store, store, store, func(addr string) (AgentCaller, error) {
		a, ok := agents[addr]
		if !ok {
			t.Fatalf("no fake agent for address %s", addr)
		}
		return a, nil
	})
}

func seedLab(t *testing.T, store *memory.Store, labID string, nodes []string, hostID string) {
	t.Helper()
	ctx := context.Background()
	for _, n := range nodes {
		if _, err := store.CreateNodeState(ctx, nodestate.NodeState{
			LabID: labID, NodeID: n, Desired: nodestate.DesiredRunning, Actual: nodestate.ActualRunning,
		}); err != nil {
			t.Fatalf("CreateNodeState: %v", err)
		}
		if err := store.SetPlacement(ctx, placement.Placement{LabID: labID, NodeName: n, HostID: hostID}); err != nil {
			t.Fatalf("SetPlacement: %v", err)
		}
	}
}

func TestConnectSameHost(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	seedLab(t, store, "lab-1", []string{"r1", "r2"}, "a1")

	agent := &fakeLinkAgent{}
	orch := newTestOrchestrator(t, store, map[string]*fakeLinkAgent{"http://a1": agent})

	l := link.Link{ID: "link-1", LabID: "lab-1",
		Source: node.Endpoint{NodeName: "r1", Interface: "eth1"},
		Target: node.Endpoint{NodeName: "r2", Interface: "eth1"},
	}
	if err := orch.Connect(ctx, l); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if agent.createCalls != 1 {
		t.Fatalf("expected 1 CreateLink call, got %d", agent.createCalls)
	}

	ls, err := store.GetLinkState(ctx, "lab-1", l.CanonicalName())
	if err != nil {
		t.Fatalf("GetLinkState: %v", err)
	}
	if ls.Actual != link.ActualUp {
		t.Fatalf("actual = %v, want up", ls.Actual)
	}
	if ls.IsCrossHost {
		t.Fatal("expected same-host link")
	}
	if ls.SourceCarrier != link.CarrierOn || ls.TargetCarrier != link.CarrierOn {
		t.Fatal("expected both carriers on")
	}
}

func TestConnectPendingWhenNodeNotRunning(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if _, err := store.CreateNodeState(ctx, nodestate.NodeState{
		LabID: "lab-1", NodeID: "r1", Desired: nodestate.DesiredRunning, Actual: nodestate.ActualStarting,
	}); err != nil {
		t.Fatalf("CreateNodeState: %v", err)
	}
	if _, err := store.CreateNodeState(ctx, nodestate.NodeState{
		LabID: "lab-1", NodeID: "r2", Desired: nodestate.DesiredRunning, Actual: nodestate.ActualRunning,
	}); err != nil {
		t.Fatalf("CreateNodeState: %v", err)
	}
	if err := store.SetPlacement(ctx, placement.Placement{LabID: "lab-1", NodeName: "r1", HostID: "a1"}); err != nil {
		t.Fatalf("SetPlacement: %v", err)
	}
	if err := store.SetPlacement(ctx, placement.Placement{LabID: "lab-1", NodeName: "r2", HostID: "a1"}); err != nil {
		t.Fatalf("SetPlacement: %v", err)
	}

	agent := &fakeLinkAgent{}
	orch := newTestOrchestrator(t, store, map[string]*fakeLinkAgent{"http://a1": agent})

	l := link.Link{ID: "link-1", LabID: "lab-1",
		Source: node.Endpoint{NodeName: "r1", Interface: "eth1"},
		Target: node.Endpoint{NodeName: "r2", Interface: "eth1"},
	}
	if err := orch.Connect(ctx, l); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if agent.createCalls != 0 {
		t.Fatal("expected no agent call while a node is not running")
	}

	ls, err := store.GetLinkState(ctx, "lab-1", l.CanonicalName())
	if err != nil {
		t.Fatalf("GetLinkState: %v", err)
	}
	if ls.Actual != link.ActualPending {
		t.Fatalf("actual = %v, want pending", ls.Actual)
	}
}

func TestConnectCrossHostAssignsDeterministicVNI(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent a1: %v", err)
	}
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a2", Address: "http://a2", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent a2: %v", err)
	}
	if _, err := store.CreateNodeState(ctx, nodestate.NodeState{
		LabID: "lab-1", NodeID: "r1", Desired: nodestate.DesiredRunning, Actual: nodestate.ActualRunning,
	}); err != nil {
		t.Fatalf("CreateNodeState r1: %v", err)
	}
	if _, err := store.CreateNodeState(ctx, nodestate.NodeState{
		LabID: "lab-1", NodeID: "r3", Desired: nodestate.DesiredRunning, Actual: nodestate.ActualRunning,
	}); err != nil {
		t.Fatalf("CreateNodeState r3: %v", err)
	}
	if err := store.SetPlacement(ctx, placement.Placement{LabID: "lab-1", NodeName: "r1", HostID: "a1"}); err != nil {
		t.Fatalf("SetPlacement r1: %v", err)
	}
	if err := store.SetPlacement(ctx, placement.Placement{LabID: "lab-1", NodeName: "r3", HostID: "a2"}); err != nil {
		t.Fatalf("SetPlacement r3: %v", err)
	}

	agentA := &fakeLinkAgent{}
	agentB := &fakeLinkAgent{}
	orch := newTestOrchestrator(t, store, map[string]*fakeLinkAgent{"http://a1": agentA, "http://a2": agentB})

	l := link.Link{ID: "link-1", LabID: "lab-1",
		Source: node.Endpoint{NodeName: "r1", Interface: "eth1"},
		Target: node.Endpoint{NodeName: "r3", Interface: "eth1"},
	}
	if err := orch.Connect(ctx, l); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ls, err := store.GetLinkState(ctx, "lab-1", l.CanonicalName())
	if err != nil {
		t.Fatalf("GetLinkState: %v", err)
	}
	if !ls.IsCrossHost {
		t.Fatal("expected cross-host link")
	}
	wantVNI := VNI("lab-1", l.CanonicalName())
	if ls.VNI != wantVNI {
		t.Fatalf("vni = %d, want %d", ls.VNI, wantVNI)
	}
	if !ls.SourceVxlanAttached || !ls.TargetVxlanAttached {
		t.Fatal("expected both sides attached")
	}

	tunnel, err := store.GetVxlanTunnel(ctx, "lab-1", l.CanonicalName())
	if err != nil {
		t.Fatalf("GetVxlanTunnel: %v", err)
	}
	if tunnel.Status != link.TunnelActive {
		t.Fatalf("tunnel status = %v, want active", tunnel.Status)
	}
}

func TestVNIIsDeterministic(t *testing.T) {
	a := VNI("lab-1", "R1:eth1-R3:eth1")
	b := VNI("lab-1", "R1:eth1-R3:eth1")
	if a != b {
		t.Fatalf("VNI not deterministic: %d != %d", a, b)
	}
	if a < vniFloor || a >= vniFloor+vniModulus {
		t.Fatalf("VNI %d out of range", a)
	}
}

func TestDisconnectCrossHostRollsBackOnTargetDetachFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent a1: %v", err)
	}
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a2", Address: "http://a2", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent a2: %v", err)
	}

	l := link.Link{ID: "link-1", LabID: "lab-1",
		Source: node.Endpoint{NodeName: "r1", Interface: "eth1"},
		Target: node.Endpoint{NodeName: "r3", Interface: "eth1"},
	}
	canonical := l.CanonicalName()
	vni := VNI("lab-1", canonical)
	portName := "vxlan-" + canonical

	if _, err := store.CreateLinkState(ctx, link.LinkState{
		LabID: "lab-1", CanonicalName: canonical, Source: l.Source, Target: l.Target,
		Desired: link.DesiredUp, Actual: link.ActualUp, IsCrossHost: true,
		SourceHostID: "a1", TargetHostID: "a2", VNI: vni,
		SourceVxlanAttached: true, TargetVxlanAttached: true,
		SourceCarrier: link.CarrierOn, TargetCarrier: link.CarrierOn,
	}); err != nil {
		t.Fatalf("CreateLinkState: %v", err)
	}
	if _, err := store.CreateVxlanTunnel(ctx, link.VxlanTunnel{
		LabID: "lab-1", LinkName: canonical, VNI: vni,
		AgentAID: "a1", AgentAIP: "http://a1", AgentBID: "a2", AgentBIP: "http://a2",
		PortName: portName, Status: link.TunnelActive,
	}); err != nil {
		t.Fatalf("CreateVxlanTunnel: %v", err)
	}

	agentA := &fakeLinkAgent{}
	agentB := &fakeLinkAgent{failDetach: map[string]bool{portName: true}}
	orch := newTestOrchestrator(t, store, map[string]*fakeLinkAgent{"http://a1": agentA, "http://a2": agentB})

	err := orch.Disconnect(ctx, l)
	if err == nil {
		t.Fatal("expected teardown error when target detach fails")
	}

	if len(agentA.attachCalls) != 1 {
		t.Fatalf("expected source re-attach rollback, got %d attach calls", len(agentA.attachCalls))
	}

	ls, getErr := store.GetLinkState(ctx, "lab-1", canonical)
	if getErr != nil {
		t.Fatalf("GetLinkState: %v", getErr)
	}
	if ls.Actual != link.ActualError {
		t.Fatalf("actual = %v, want error", ls.Actual)
	}

	tunnel, tErr := store.GetVxlanTunnel(ctx, "lab-1", canonical)
	if tErr != nil {
		t.Fatalf("GetVxlanTunnel: %v", tErr)
	}
	if tunnel.Status != link.TunnelFailed {
		t.Fatalf("tunnel status = %v, want failed", tunnel.Status)
	}
}

func TestSyncConnectsDesiredUpLinkLeftPending(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	seedLab(t, store, "lab-1", []string{"r1", "r2"}, "a1")

	l := link.Link{LabID: "lab-1",
		Source: node.Endpoint{NodeName: "r1", Interface: "eth1"},
		Target: node.Endpoint{NodeName: "r2", Interface: "eth1"},
	}
	if _, err := store.CreateLinkState(ctx, link.LinkState{
		LabID: "lab-1", CanonicalName: l.CanonicalName(), Source: l.Source, Target: l.Target,
		Desired: link.DesiredUp, Actual: link.ActualPending,
	}); err != nil {
		t.Fatalf("CreateLinkState: %v", err)
	}

	agent := &fakeLinkAgent{}
	orch := newTestOrchestrator(t, store, map[string]*fakeLinkAgent{"http://a1": agent})

	if err := orch.Sync(ctx, "lab-1"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if agent.createCalls != 1 {
		t.Fatalf("expected Sync to connect the pending link, got %d CreateLink calls", agent.createCalls)
	}

	ls, err := store.GetLinkState(ctx, "lab-1", l.CanonicalName())
	if err != nil {
		t.Fatalf("GetLinkState: %v", err)
	}
	if ls.Actual != link.ActualUp {
		t.Fatalf("actual = %v, want up", ls.Actual)
	}
}

func TestSyncSkipsLinksAlreadyConverged(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.UpsertAgent(ctx, agenthost.Host{ID: "a1", Address: "http://a1", Status: agenthost.StatusOnline}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	seedLab(t, store, "lab-1", []string{"r1", "r2"}, "a1")

	l := link.Link{LabID: "lab-1",
		Source: node.Endpoint{NodeName: "r1", Interface: "eth1"},
		Target: node.Endpoint{NodeName: "r2", Interface: "eth1"},
	}
	if _, err := store.CreateLinkState(ctx, link.LinkState{
		LabID: "lab-1", CanonicalName: l.CanonicalName(), Source: l.Source, Target: l.Target,
		Desired: link.DesiredUp, Actual: link.ActualUp,
	}); err != nil {
		t.Fatalf("CreateLinkState: %v", err)
	}

	agent := &fakeLinkAgent{}
	orch := newTestOrchestrator(t, store, map[string]*fakeLinkAgent{"http://a1": agent})

	if err := orch.Sync(ctx, "lab-1"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if agent.createCalls != 0 {
		t.Fatalf("expected Sync to leave a converged link alone, got %d CreateLink calls", agent.createCalls)
	}
}
