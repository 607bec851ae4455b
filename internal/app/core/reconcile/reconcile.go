// Package reconcile implements the reconciliation loop (spec §4.7): query
// every agent hosting a lab's nodes for their observed state, map the
// result onto NodeState rows, detect orphans, and recompute lab aggregate
// state. A flap detector tags nodes that oscillate without suppressing
// reconciliation.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/domain/lab"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/storage"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// AgentCaller is the subset of agentrpc.Client the loop queries.
type AgentCaller interface {
	GetLabStatus(ctx context.Context, labID string) (agentrpc.GetLabStatusResponse, error)
}

// ClientFactory resolves an AgentCaller for an agent address.
type ClientFactory func(agentAddress string) (AgentCaller, error)

// FlapWindow is the interval over which oscillation counts accumulate
// before being reset (spec §4.7 flap detector).
const FlapWindow = 5 * time.Minute

// FlapThreshold is the number of actual-state transitions within
// FlapWindow that marks a node as flapping.
const FlapThreshold = 3

// Loop drives one reconciliation pass.
type Loop struct {
	labs       storage.LabStore
	states     storage.NodeStateStore
	placements storage.PlacementStore
	agents     storage.AgentStore
	clientFor  ClientFactory
	log        *logger.Logger

	mu    sync.Mutex
	flaps map[string]*flapRecord // key: labID/nodeID
}

type flapRecord struct {
	lastActual  nodestate.Actual
	transitions int
	windowStart time.Time
}

// New builds a Loop.
func New(labs storage.LabStore, states storage.NodeStateStore, placements storage.PlacementStore, agents storage.AgentStore, clientFor ClientFactory, log *logger.Logger) *Loop {
	return &Loop{
		labs:       labs,
		states:     states,
		placements: placements,
		agents:     agents,
		clientFor:  clientFor,
		log:        log,
		flaps:      make(map[string]*flapRecord),
	}
}

// RunLab reconciles one lab's NodeStates against every agent hosting it.
func (l *Loop) RunLab(ctx context.Context, labID string) error {
	placements, err := l.placements.GetPlacementsByLab(ctx, labID)
	if err != nil {
		return fmt.Errorf("get placements: %w", err)
	}

	agentIDs := make(map[string]bool, len(placements))
	for _, p := range placements {
		agentIDs[p.HostID] = true
	}

	reported := make(map[string]agentrpc.NodeStatus) // nodeID -> status
	for agentID := range agentIDs {
		agent, err := l.agents.GetAgent(ctx, agentID)
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).Warnf("reconcile: agent %s not found", agentID)
			}
			continue
		}
		if !agent.Online(time.Now().UTC(), 0) {
			continue // offline agents are silently skipped; their nodes stay at last-known state
		}
		client, err := l.clientFor(agent.Address)
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).Warnf("reconcile: agent client for %s", agentID)
			}
			continue
		}
		resp, err := client.GetLabStatus(ctx, labID)
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).Warnf("reconcile: get lab status from %s", agentID)
			}
			continue
		}
		for _, ns := range resp.Nodes {
			reported[ns.NodeID] = ns
		}
	}

	states, err := l.states.ListNodeStatesByLab(ctx, labID)
	if err != nil {
		return fmt.Errorf("list node states: %w", err)
	}

	actuals := make([]string, 0, len(states))
	for _, ns := range states {
		status, ok := reported[ns.NodeID]
		if ok {
			delete(reported, ns.NodeID)
			l.applyReported(ctx, labID, ns.NodeID, status)
		}
		latest, err := l.states.GetNodeState(ctx, labID, ns.NodeID)
		if err != nil {
			actuals = append(actuals, string(ns.Actual))
			continue
		}
		actuals = append(actuals, string(latest.Actual))
	}

	// Anything still in reported belongs to no known node: an orphan the
	// agent is running that the controller has no record of. Spec §4.7:
	// logged, never auto-destroyed.
	for nodeID := range reported {
		if l.log != nil {
			l.log.Warnf("reconcile: orphan node %s reported by an agent in lab %s", nodeID, labID)
		}
	}

	aggregate := lab.AggregateState(actuals)
	if err := l.labs.UpdateLabState(ctx, labID, aggregate); err != nil {
		return fmt.Errorf("update lab state: %w", err)
	}
	return nil
}

func (l *Loop) applyReported(ctx context.Context, labID, nodeID string, status agentrpc.NodeStatus) {
	_, err := l.states.WithNodeStateLock(ctx, labID, nodeID, false, func(ns *nodestate.NodeState) error {
		reportedActual := nodestate.Actual(status.State)
		if ns.Actual != reportedActual {
			l.recordTransition(labID, nodeID, reportedActual)
			if nodestate.Transition(ns.Actual, reportedActual) {
				ns.Actual = reportedActual
			}
		}
		ns.IsReady = status.IsReady
		if reportedActual == nodestate.ActualRunning || reportedActual == nodestate.ActualStarting {
			ns.ErrorMessage = ""
		}
		if status.ErrorMessage != "" {
			ns.ErrorMessage = status.ErrorMessage
		}
		return nil
	})
	if err != nil && l.log != nil {
		l.log.WithError(err).Warnf("reconcile: apply reported state for %s/%s", labID, nodeID)
	}
}

// recordTransition updates the flap detector; it tags via log only, never
// suppressing the reconciliation it observed (spec §4.7).
func (l *Loop) recordTransition(labID, nodeID string, actual nodestate.Actual) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := labID + "/" + nodeID
	now := time.Now().UTC()
	rec, ok := l.flaps[key]
	if !ok || now.Sub(rec.windowStart) > FlapWindow {
		rec = &flapRecord{windowStart: now}
		l.flaps[key] = rec
	}
	rec.transitions++
	rec.lastActual = actual

	if rec.transitions >= FlapThreshold && l.log != nil {
		l.log.Warnf("reconcile: node %s/%s is flapping (%d transitions in window)", labID, nodeID, rec.transitions)
	}
}
