// Package overlay implements overlay convergence (spec §4.9): making the set
// of VTEPs on each agent exactly match the set the controller intends, by
// periodically declaring the expected tunnel set to every online agent.
package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/storage"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// AgentCaller is the subset of agentrpc.Client the convergence loop calls.
type AgentCaller interface {
	DeclareOverlayState(ctx context.Context, req agentrpc.DeclareOverlayStateRequest) (agentrpc.DeclareOverlayStateResponse, error)
	ReconcileVxlanPorts(ctx context.Context) (agentrpc.ReconcileVxlanPortsResponse, error)
}

// ClientFactory resolves an AgentCaller for an agent address.
type ClientFactory func(agentAddress string) (AgentCaller, error)

// Loop drives overlay convergence across every online agent.
type Loop struct {
	links     storage.LinkStore
	agents    storage.AgentStore
	clientFor ClientFactory
	log       *logger.Logger
}

// New builds a Loop.
func New(links storage.LinkStore, agents storage.AgentStore, clientFor ClientFactory, log *logger.Logger) *Loop {
	return &Loop{links: links, agents: agents, clientFor: clientFor, log: log}
}

// RunLab converges every online agent hosting a link in labID against the
// declared set derived from active cross-host tunnels.
func (l *Loop) RunLab(ctx context.Context, labID string) error {
	linkStates, err := l.links.ListLinkStatesByLab(ctx, labID)
	if err != nil {
		return fmt.Errorf("list link states: %w", err)
	}

	declared := make(map[string][]agentrpc.OverlayEntry) // agentID -> entries
	for _, ls := range linkStates {
		if !ls.IsCrossHost || ls.Desired != link.DesiredUp {
			continue
		}
		// In-progress links (pending/connecting/cleanup) are included
		// protectively so the agent does not treat their ports as orphans.
		tunnel, err := l.links.GetVxlanTunnel(ctx, labID, ls.CanonicalName)
		if err != nil {
			continue
		}

		declared[ls.SourceHostID] = append(declared[ls.SourceHostID], agentrpc.OverlayEntry{
			LinkName: ls.CanonicalName, VNI: ls.VNI,
			LocalNode: ls.Source.NodeName, LocalIface: ls.Source.Interface,
			PeerAgentIP: tunnel.AgentBIP, PortName: tunnel.PortName,
		})
		declared[ls.TargetHostID] = append(declared[ls.TargetHostID], agentrpc.OverlayEntry{
			LinkName: ls.CanonicalName, VNI: ls.VNI,
			LocalNode: ls.Target.NodeName, LocalIface: ls.Target.Interface,
			PeerAgentIP: tunnel.AgentAIP, PortName: tunnel.PortName,
		})
	}

	for agentID, entries := range declared {
		if err := l.convergeAgent(ctx, labID, agentID, entries, linkStates); err != nil && l.log != nil {
			l.log.WithError(err).Warnf("overlay: converge agent %s for lab %s", agentID, labID)
		}
	}
	return nil
}

func (l *Loop) convergeAgent(ctx context.Context, labID, agentID string, entries []agentrpc.OverlayEntry, linkStates []link.LinkState) error {
	host, err := l.agents.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("get agent: %w", err)
	}
	if !host.Online(time.Now().UTC(), 0) {
		return nil
	}
	client, err := l.clientFor(host.Address)
	if err != nil {
		return fmt.Errorf("agent client: %w", err)
	}

	resp, err := client.DeclareOverlayState(ctx, agentrpc.DeclareOverlayStateRequest{Entries: entries})
	if err != nil {
		return fmt.Errorf("declare overlay state: %w", err)
	}

	if resp.Unsupported {
		// Fall back to the legacy whitelist call: the agent tears down
		// anything not in the declared port set on its own.
		if _, err := client.ReconcileVxlanPorts(ctx); err != nil {
			return fmt.Errorf("reconcile vxlan ports (fallback): %w", err)
		}
		return nil
	}

	for _, result := range resp.Results {
		if result.Status == "error" {
			if l.log != nil {
				l.log.Warnf("overlay: agent %s reported error for link %s: %s", agentID, result.LinkName, result.ErrorMessage)
			}
			continue
		}
		l.markAttached(ctx, labID, agentID, result.LinkName, linkStates)
	}

	for _, orphan := range resp.OrphansRemoved {
		if l.log != nil {
			l.log.Warnf("overlay: agent %s removed orphan port for link %s", agentID, orphan)
		}
	}
	return nil
}

func (l *Loop) markAttached(ctx context.Context, labID, agentID, linkName string, linkStates []link.LinkState) {
	var ls link.LinkState
	found := false
	for _, candidate := range linkStates {
		if candidate.CanonicalName == linkName {
			ls = candidate
			found = true
			break
		}
	}
	if !found {
		return
	}

	err := l.links.WithLinkStateLock(ctx, labID, linkName, func(s *link.LinkState) error {
		switch agentID {
		case ls.SourceHostID:
			s.SourceVxlanAttached = true
		case ls.TargetHostID:
			s.TargetVxlanAttached = true
		}
		s.RecomputeOper()
		return nil
	})
	if err != nil && l.log != nil {
		l.log.WithError(err).Warnf("overlay: mark attached for link %s", linkName)
	}
}
