package cleanup

import (
	"context"
	"fmt"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/storage"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// AgentCaller is the subset of agentrpc.Client the cleanup handlers and
// agent sweep invoke.
type AgentCaller interface {
	CleanupWorkspace(ctx context.Context, req agentrpc.CleanupWorkspaceRequest) error
	CleanupOrphans(ctx context.Context) (agentrpc.CleanupOrphansResponse, error)
	PruneDocker(ctx context.Context) (agentrpc.PruneDockerResponse, error)
}

// ClientFactory resolves an AgentCaller for an agent address.
type ClientFactory func(agentAddress string) (AgentCaller, error)

// Handlers bundles the concrete event handlers wired to agent calls.
type Handlers struct {
	placements storage.PlacementStore
	agents     storage.AgentStore
	clientFor  ClientFactory
	log        *logger.Logger
}

// NewHandlers builds a Handlers bundle and can be registered onto a
// Dispatcher via RegisterAll.
func NewHandlers(placements storage.PlacementStore, agents storage.AgentStore, clientFor ClientFactory, log *logger.Logger) *Handlers {
	return &Handlers{placements: placements, agents: agents, clientFor: clientFor, log: log}
}

// RegisterAll wires every handler this bundle provides onto d.
func (h *Handlers) RegisterAll(d *Dispatcher) {
	d.Register(EventLabDeleted, h.onLabDeleted)
	d.Register(EventDestroyFinished, h.onLabDeleted)
}

// onLabDeleted removes the on-disk workspace for a destroyed lab on every
// host that was hosting one of its nodes.
func (h *Handlers) onLabDeleted(ctx context.Context, ev Event) error {
	placements, err := h.placements.GetPlacementsByLab(ctx, ev.LabID)
	if err != nil {
		return fmt.Errorf("get placements: %w", err)
	}

	hosts := make(map[string]bool, len(placements))
	for _, p := range placements {
		hosts[p.HostID] = true
	}

	var firstErr error
	for hostID := range hosts {
		if err := h.cleanupWorkspaceOn(ctx, hostID, ev.LabID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Handlers) cleanupWorkspaceOn(ctx context.Context, hostID, labID string) error {
	host, err := h.agents.GetAgent(ctx, hostID)
	if err != nil {
		return fmt.Errorf("get host %s: %w", hostID, err)
	}
	client, err := h.clientFor(host.Address)
	if err != nil {
		return fmt.Errorf("agent client for %s: %w", hostID, err)
	}
	return client.CleanupWorkspace(ctx, agentrpc.CleanupWorkspaceRequest{LabID: labID})
}

// AgentSweep runs the docker-level periodic sweep on every online agent
// (spec §4.11: dangling images, unused volumes, build cache, orphaned
// containers/networks).
type AgentSweep struct {
	agents    storage.AgentStore
	clientFor ClientFactory
	log       *logger.Logger
}

// NewAgentSweep builds an AgentSweep.
func NewAgentSweep(agents storage.AgentStore, clientFor ClientFactory, log *logger.Logger) *AgentSweep {
	return &AgentSweep{agents: agents, clientFor: clientFor, log: log}
}

// RunOnce invokes CleanupOrphans and PruneDocker on every known agent.
func (a *AgentSweep) RunOnce(ctx context.Context) {
	hosts, err := a.agents.ListAgents(ctx)
	if err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("cleanup: list agents for docker sweep")
		}
		return
	}

	for _, host := range hosts {
		client, err := a.clientFor(host.Address)
		if err != nil {
			continue
		}
		if resp, err := client.CleanupOrphans(ctx); err != nil {
			if a.log != nil {
				a.log.WithError(err).Warnf("cleanup: orphan sweep on %s", host.ID)
			}
		} else if a.log != nil && (resp.ContainersRemoved > 0 || resp.NetworksRemoved > 0) {
			a.log.Infof("cleanup: agent %s removed %d orphan containers, %d orphan networks", host.ID, resp.ContainersRemoved, resp.NetworksRemoved)
		}
		if resp, err := client.PruneDocker(ctx); err != nil {
			if a.log != nil {
				a.log.WithError(err).Warnf("cleanup: docker prune on %s", host.ID)
			}
		} else if a.log != nil && resp.SpaceReclaimedBytes > 0 {
			a.log.Infof("cleanup: agent %s reclaimed %d bytes via docker prune", host.ID, resp.SpaceReclaimedBytes)
		}
	}
}
