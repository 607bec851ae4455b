// Package linkorch implements the link orchestrator (spec §4.8): bringing
// links up and down across same-host and cross-host topologies, with
// endpoint reservation, pending-link handling, and two-phase cross-host
// teardown with rollback.
package linkorch

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/storage"
)

// vniModulus and vniFloor bound the deterministic VNI range (spec §4.8,
// §9 worked example): hash(lab_id+canonical_name) % 16_000_000 + 1000.
const (
	vniModulus = 16_000_000
	vniFloor   = 1000
)

// VNI computes the deterministic VXLAN network identifier for a cross-host
// link, stable across repeated enforcement cycles.
func VNI(labID, canonicalLinkName string) int {
	sum := md5.Sum([]byte(labID + ":" + canonicalLinkName))
	n := binary.BigEndian.Uint32(sum[:4])
	return int(n%vniModulus) + vniFloor
}

// AgentCaller is the subset of agentrpc.Client the orchestrator dispatches
// through.
type AgentCaller interface {
	CreateLink(ctx context.Context, req agentrpc.CreateLinkRequest) (agentrpc.CreateLinkResponse, error)
	DeleteLink(ctx context.Context, req agentrpc.DeleteLinkRequest) error
	SetupCrossHostLink(ctx context.Context, req agentrpc.SetupCrossHostLinkRequest) (agentrpc.SetupCrossHostLinkResponse, error)
	DetachOverlayInterface(ctx context.Context, req agentrpc.DetachOverlayInterfaceRequest) error
	AttachOverlayInterface(ctx context.Context, req agentrpc.AttachOverlayInterfaceRequest) error
}

// ClientFactory resolves an AgentCaller for an agent address.
type ClientFactory func(agentAddress string) (AgentCaller, error)

// Orchestrator connects and tears down links.
type Orchestrator struct {
	links      storage.LinkStore
	states     storage.NodeStateStore
	placements storage.PlacementStore
	agents     storage.AgentStore
	clientFor  ClientFactory
}

// New builds an Orchestrator.
func New(links storage.LinkStore, states storage.NodeStateStore, placements storage.PlacementStore, agents storage.AgentStore, clientFor ClientFactory) *Orchestrator {
	return &Orchestrator{links: links, states: states, placements: placements, agents: agents, clientFor: clientFor}
}

// Connect brings a link up, reserving endpoints first and routing to the
// same-host or cross-host path once both endpoint nodes are running (spec
// §4.8). If either endpoint node is not yet running, the link is left
// pending for later reconsideration.
func (o *Orchestrator) Connect(ctx context.Context, l link.Link) error {
	canonical := l.CanonicalName()

	sourceHost, sourceReady, err := o.endpointHost(ctx, l.LabID, l.Source.NodeName)
	if err != nil {
		return fmt.Errorf("resolve source host: %w", err)
	}
	targetHost, targetReady, err := o.endpointHost(ctx, l.LabID, l.Target.NodeName)
	if err != nil {
		return fmt.Errorf("resolve target host: %w", err)
	}

	if !sourceReady || !targetReady {
		return o.setLinkState(ctx, l, func(ls *link.LinkState) {
			ls.Actual = link.ActualPending
		})
	}

	conflicts, err := o.links.ReserveEndpoints(ctx, l.LabID, canonical, l.Source, l.Target)
	if err != nil {
		return fmt.Errorf("reserve endpoints: %w", err)
	}
	if len(conflicts) > 0 {
		return o.setLinkState(ctx, l, func(ls *link.LinkState) {
			ls.Actual = link.ActualError
			ls.ErrorMessage = fmt.Sprintf("endpoint already reserved by: %v", conflicts)
		})
	}

	if sourceHost == targetHost {
		return o.connectSameHost(ctx, l, sourceHost)
	}
	return o.connectCrossHost(ctx, l, sourceHost, targetHost)
}

func (o *Orchestrator) connectSameHost(ctx context.Context, l link.Link, hostID string) error {
	client, err := o.clientForHost(ctx, hostID)
	if err != nil {
		return o.fail(ctx, l, err)
	}

	resp, err := client.CreateLink(ctx, agentrpc.CreateLinkRequest{
		LabID:       l.LabID,
		LinkName:    l.CanonicalName(),
		SourceNode:  l.Source.NodeName,
		SourceIface: l.Source.Interface,
		TargetNode:  l.Target.NodeName,
		TargetIface: l.Target.Interface,
	})
	if err != nil {
		return o.fail(ctx, l, err)
	}

	return o.setLinkState(ctx, l, func(ls *link.LinkState) {
		ls.Actual = link.ActualUp
		ls.IsCrossHost = false
		ls.SourceHostID = hostID
		ls.TargetHostID = hostID
		ls.SourceVLANTag = resp.VLANTag
		ls.TargetVLANTag = resp.VLANTag
		ls.SourceCarrier = link.CarrierOn
		ls.TargetCarrier = link.CarrierOn
		ls.ErrorMessage = ""
		ls.RecomputeOper()
	})
}

func (o *Orchestrator) connectCrossHost(ctx context.Context, l link.Link, sourceHostID, targetHostID string) error {
	canonical := l.CanonicalName()
	vni := VNI(l.LabID, canonical)

	sourceHost, err := o.agents.GetAgent(ctx, sourceHostID)
	if err != nil {
		return o.fail(ctx, l, err)
	}
	targetHost, err := o.agents.GetAgent(ctx, targetHostID)
	if err != nil {
		return o.fail(ctx, l, err)
	}

	sourceClient, err := o.clientForHost(ctx, sourceHostID)
	if err != nil {
		return o.fail(ctx, l, err)
	}
	targetClient, err := o.clientForHost(ctx, targetHostID)
	if err != nil {
		return o.fail(ctx, l, err)
	}

	portName := fmt.Sprintf("vxlan-%s", canonical)

	sourceResp, err := sourceClient.SetupCrossHostLink(ctx, agentrpc.SetupCrossHostLinkRequest{
		LabID: l.LabID, LinkName: canonical, VNI: vni,
		LocalNode: l.Source.NodeName, LocalIface: l.Source.Interface,
		PeerAgentIP: targetHost.Address, PortName: portName,
	})
	if err != nil {
		return o.fail(ctx, l, err)
	}
	targetResp, err := targetClient.SetupCrossHostLink(ctx, agentrpc.SetupCrossHostLinkRequest{
		LabID: l.LabID, LinkName: canonical, VNI: vni,
		LocalNode: l.Target.NodeName, LocalIface: l.Target.Interface,
		PeerAgentIP: sourceHost.Address, PortName: portName,
	})
	if err != nil {
		return o.fail(ctx, l, err)
	}

	if _, err := o.links.CreateVxlanTunnel(ctx, link.VxlanTunnel{
		LabID: l.LabID, LinkName: canonical, VNI: vni,
		AgentAID: sourceHostID, AgentAIP: sourceHost.Address,
		AgentBID: targetHostID, AgentBIP: targetHost.Address,
		PortName: portName, Status: link.TunnelActive, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return o.fail(ctx, l, err)
	}

	return o.setLinkState(ctx, l, func(ls *link.LinkState) {
		ls.Actual = link.ActualUp
		ls.IsCrossHost = true
		ls.SourceHostID = sourceHostID
		ls.TargetHostID = targetHostID
		ls.VNI = vni
		ls.SourceVLANTag = sourceResp.VLANTag
		ls.TargetVLANTag = targetResp.VLANTag
		ls.SourceVxlanAttached = true
		ls.TargetVxlanAttached = true
		ls.SourceCarrier = link.CarrierOn
		ls.TargetCarrier = link.CarrierOn
		ls.ErrorMessage = ""
		ls.RecomputeOper()
	})
}

// Disconnect tears a link down, routing to the same-host or two-phase
// cross-host teardown with rollback (spec §4.8).
func (o *Orchestrator) Disconnect(ctx context.Context, l link.Link) error {
	ls, err := o.links.GetLinkState(ctx, l.LabID, l.CanonicalName())
	if err != nil {
		return fmt.Errorf("get link state: %w", err)
	}

	var teardownErr error
	if ls.IsCrossHost {
		teardownErr = o.disconnectCrossHost(ctx, l, ls)
	} else {
		teardownErr = o.disconnectSameHost(ctx, l, ls)
	}
	_ = o.links.ReleaseEndpoints(ctx, l.LabID, l.CanonicalName())
	return teardownErr
}

func (o *Orchestrator) disconnectSameHost(ctx context.Context, l link.Link, ls link.LinkState) error {
	client, err := o.clientForHost(ctx, ls.SourceHostID)
	if err != nil {
		return o.fail(ctx, l, err)
	}
	if err := client.DeleteLink(ctx, agentrpc.DeleteLinkRequest{LabID: l.LabID, LinkName: l.CanonicalName()}); err != nil {
		return o.fail(ctx, l, err)
	}
	return o.setLinkState(ctx, l, func(ls *link.LinkState) {
		ls.Actual = link.ActualDown
		ls.SourceCarrier = link.CarrierOff
		ls.TargetCarrier = link.CarrierOff
		ls.RecomputeOper()
	})
}

func (o *Orchestrator) disconnectCrossHost(ctx context.Context, l link.Link, ls link.LinkState) error {
	canonical := l.CanonicalName()

	if err := o.links.UpdateVxlanTunnelStatus(ctx, l.LabID, canonical, link.TunnelCleanup); err != nil {
		return fmt.Errorf("mark tunnel cleanup: %w", err)
	}
	if err := o.setLinkState(ctx, l, func(ls *link.LinkState) { ls.Actual = link.ActualCleanup }); err != nil {
		return err
	}

	tunnel, err := o.links.GetVxlanTunnel(ctx, l.LabID, canonical)
	if err != nil {
		return fmt.Errorf("get tunnel: %w", err)
	}

	sourceClient, err := o.clientForHost(ctx, ls.SourceHostID)
	if err != nil {
		return o.failTunnel(ctx, l, tunnel, err)
	}
	targetClient, err := o.clientForHost(ctx, ls.TargetHostID)
	if err != nil {
		return o.failTunnel(ctx, l, tunnel, err)
	}

	sourceDetach := agentrpc.DetachOverlayInterfaceRequest{LabID: l.LabID, LinkName: canonical, PortName: tunnel.PortName}
	if err := sourceClient.DetachOverlayInterface(ctx, sourceDetach); err != nil {
		return o.failTunnel(ctx, l, tunnel, fmt.Errorf("detach source: %w", err))
	}

	targetDetach := agentrpc.DetachOverlayInterfaceRequest{LabID: l.LabID, LinkName: canonical, PortName: tunnel.PortName}
	if err := targetClient.DetachOverlayInterface(ctx, targetDetach); err != nil {
		// Roll back: re-attach the source side to preserve L2 continuity.
		reattach := agentrpc.AttachOverlayInterfaceRequest{
			LabID: l.LabID, LinkName: canonical, VNI: tunnel.VNI,
			LocalNode: l.Source.NodeName, LocalIface: l.Source.Interface,
			PeerAgentIP: tunnel.AgentBIP, PortName: tunnel.PortName,
		}
		_ = sourceClient.AttachOverlayInterface(ctx, reattach)
		return o.failTunnel(ctx, l, tunnel, fmt.Errorf("Failed to detach target endpoint: %w", err))
	}

	if err := o.links.DeleteVxlanTunnel(ctx, l.LabID, canonical); err != nil {
		return fmt.Errorf("delete tunnel: %w", err)
	}

	return o.setLinkState(ctx, l, func(ls *link.LinkState) {
		ls.Actual = link.ActualDown
		ls.VNI = 0
		ls.SourceVLANTag = 0
		ls.TargetVLANTag = 0
		ls.SourceVxlanAttached = false
		ls.TargetVxlanAttached = false
		ls.SourceCarrier = link.CarrierOff
		ls.TargetCarrier = link.CarrierOff
		ls.RecomputeOper()
	})
}

func (o *Orchestrator) failTunnel(ctx context.Context, l link.Link, tunnel link.VxlanTunnel, cause error) error {
	_ = o.links.UpdateVxlanTunnelStatus(ctx, l.LabID, l.CanonicalName(), link.TunnelFailed)
	return o.fail(ctx, l, cause)
}

func (o *Orchestrator) fail(ctx context.Context, l link.Link, cause error) error {
	_ = o.setLinkState(ctx, l, func(ls *link.LinkState) {
		ls.Actual = link.ActualError
		ls.ErrorMessage = cause.Error()
	})
	return cause
}

func (o *Orchestrator) setLinkState(ctx context.Context, l link.Link, mutate func(*link.LinkState)) error {
	canonical := l.CanonicalName()
	err := o.links.WithLinkStateLock(ctx, l.LabID, canonical, func(ls *link.LinkState) error {
		mutate(ls)
		return nil
	})
	if err == nil {
		return nil
	}
	if err != storage.ErrNotFound {
		return err
	}
	// No existing row yet (first connect attempt): create one.
	ls := link.LinkState{
		LabID: l.LabID, CanonicalName: canonical,
		Source: l.Source, Target: l.Target,
		Desired: link.DesiredUp,
	}
	mutate(&ls)
	_, createErr := o.links.CreateLinkState(ctx, ls)
	return createErr
}

// endpointHost resolves the host a node is placed on and whether it is
// currently running.
func (o *Orchestrator) endpointHost(ctx context.Context, labID, nodeName string) (hostID string, running bool, err error) {
	placements, err := o.placements.GetPlacementsByLab(ctx, labID)
	if err != nil {
		return "", false, err
	}
	for _, p := range placements {
		if p.NodeName != nodeName {
			continue
		}
		hostID = p.HostID
	}

	ns, err := o.states.GetNodeState(ctx, labID, nodeName)
	if err != nil {
		if err == storage.ErrNotFound {
			return hostID, false, nil
		}
		return hostID, false, err
	}
	return hostID, ns.Actual == nodestate.ActualRunning, nil
}

// Sync drives every link in a lab toward its desired state, connecting
// links whose actual state hasn't converged to up and tearing down those
// headed down. It mirrors the enforcement loop's drift-correction shape
// (spec §4.6) applied to links instead of nodes.
func (o *Orchestrator) Sync(ctx context.Context, labID string) error {
	states, err := o.links.ListLinkStatesByLab(ctx, labID)
	if err != nil {
		return fmt.Errorf("list link states: %w", err)
	}

	var firstErr error
	for _, ls := range states {
		l := link.Link{LabID: ls.LabID, Source: ls.Source, Target: ls.Target}
		switch ls.Desired {
		case link.DesiredUp:
			if ls.Actual == link.ActualUp || ls.Actual == link.ActualCreating || ls.Actual == link.ActualConnecting {
				continue
			}
			if err := o.Connect(ctx, l); err != nil && firstErr == nil {
				firstErr = err
			}
		case link.DesiredDown:
			if ls.Actual == link.ActualDown || ls.Actual == link.ActualCleanup {
				continue
			}
			if err := o.Disconnect(ctx, l); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) clientForHost(ctx context.Context, hostID string) (AgentCaller, error) {
	host, err := o.agents.GetAgent(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", hostID, err)
	}
	return o.clientFor(host.Address)
}
