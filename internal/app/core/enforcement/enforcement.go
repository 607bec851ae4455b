// Package enforcement implements the enforcement loop (spec §4.6): for
// every NodeState whose actual state has drifted from desired, dispatch the
// corrective agent action, skipping nodes that are cooling down,
// circuit-broken after repeated failure, or in a state AdmitCommand rejects
// (e.g. stopping). Active jobs for the lab are not consulted.
package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/core/bus"
	"github.com/archetype-labs/archetyped/internal/app/core/registry"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/storage"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// Config tunes the loop's retry/cooldown behavior (spec §6 runtime
// options).
type Config struct {
	MaxRetries        int
	CooldownPeriod    time.Duration
	AutoRestartEnabled bool
}

// DefaultConfig matches pkg/config.RuntimeConfig's defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 5, CooldownPeriod: 10 * time.Second, AutoRestartEnabled: true}
}

// AgentCaller is the subset of agentrpc.Client the loop dispatches
// through.
type AgentCaller interface {
	NodeAction(ctx context.Context, req agentrpc.NodeActionRequest) error
}

// ClientFactory resolves an AgentCaller for an agent address.
type ClientFactory func(agentAddress string) (AgentCaller, error)

// Loop drives one enforcement pass across a set of labs.
type Loop struct {
	states    storage.NodeStateStore
	nodes     storage.NodeStore
	registry  *registry.Registry
	bus       *bus.Bus
	clientFor ClientFactory
	cfg       Config
	log       *logger.Logger
}

// New builds a Loop.
func New(states storage.NodeStateStore, nodes storage.NodeStore, reg *registry.Registry, b *bus.Bus, clientFor ClientFactory, cfg Config, log *logger.Logger) *Loop {
	return &Loop{states: states, nodes: nodes, registry: reg, bus: b, clientFor: clientFor, cfg: cfg, log: log}
}

// RunLab enforces drift for every node in one lab. It never returns a hard
// error for a single node's failure; per-node outcomes are recorded on the
// NodeState row itself and logged.
func (l *Loop) RunLab(ctx context.Context, labID string) error {
	states, err := l.states.ListNodeStatesByLab(ctx, labID)
	if err != nil {
		return fmt.Errorf("list node states: %w", err)
	}

	for _, ns := range states {
		if !ns.NeedsEnforcement() {
			continue
		}
		if l.bus != nil && l.bus.InCooldown(ctx, labID, ns.NodeID) {
			continue
		}
		l.enforceOne(ctx, labID, ns.NodeID)
	}
	return nil
}

func (l *Loop) enforceOne(ctx context.Context, labID, nodeID string) {
	var dispatchErr error
	_, err := l.states.WithNodeStateLock(ctx, labID, nodeID, true, func(ns *nodestate.NodeState) error {
		// applyCorrection's own dispatch failure is recorded on ns and must
		// not prevent the row mutation from being persisted, so it is
		// captured here rather than returned: WithNodeStateLock discards
		// the mutated row when fn returns a non-nil error.
		dispatchErr = l.applyCorrection(ctx, labID, ns)
		return nil
	})
	if err != nil && l.log != nil {
		l.log.WithError(err).Warnf("enforcement row unavailable for node %s/%s", labID, nodeID)
		return
	}
	if dispatchErr != nil && l.log != nil {
		l.log.WithError(dispatchErr).Warnf("enforcement action failed for node %s/%s", labID, nodeID)
	}
}

func (l *Loop) applyCorrection(ctx context.Context, labID string, ns *nodestate.NodeState) error {
	n, err := l.nodes.GetNode(ctx, ns.NodeID)
	if err != nil {
		return fmt.Errorf("get node: %w", err)
	}

	var cmd nodestate.Command
	if ns.Desired == nodestate.DesiredRunning {
		cmd = nodestate.CommandStart
	} else {
		cmd = nodestate.CommandStop
	}

	// The same admission rules the command path uses apply to enforcement
	// (spec §4.5): a node already transitioning is left to resolve rather
	// than given a conflicting command.
	switch result, admitErr := nodestate.AdmitCommand(ns.Actual, cmd); result {
	case nodestate.AdmitNoop:
		return nil
	case nodestate.AdmitReject:
		if l.log != nil {
			l.log.Debugf("enforcement: skip node %s/%s: %v", labID, ns.NodeID, admitErr)
		}
		return nil
	}

	agent, err := l.registry.PickForLab(ctx, labID, "")
	if err != nil {
		return fmt.Errorf("pick agent: %w", err)
	}
	client, err := l.clientFor(agent.Address)
	if err != nil {
		return fmt.Errorf("agent client: %w", err)
	}

	now := time.Now().UTC()
	dispatchErr := client.NodeAction(ctx, agentrpc.NodeActionRequest{
		LabID:         labID,
		NodeID:        n.ID,
		ContainerName: n.ContainerName,
		Action:        string(cmd),
	})

	ns.LastEnforcementAt = &now
	if dispatchErr != nil {
		ns.EnforcementAttempts++
		ns.ErrorMessage = dispatchErr.Error()
		if ns.EnforcementAttempts >= l.cfg.MaxRetries {
			ns.Actual = nodestate.ActualError
			ns.EnforcementFailedAt = &now
		}
	} else {
		switch cmd {
		case nodestate.CommandStart:
			ns.Actual = nodestate.ActualStarting
			ns.BootStartedAt = &now
		case nodestate.CommandStop:
			ns.Actual = nodestate.ActualStopping
			ns.StoppingStartedAt = &now
		}
	}

	if l.bus != nil {
		_ = l.bus.StartCooldown(ctx, labID, ns.NodeID, l.cfg.CooldownPeriod)
	}

	return dispatchErr
}
