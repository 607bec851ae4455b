// Package carrier mirrors physical-carrier transitions across hosts (spec
// §4.10): when an agent reports a carrier change on an interface, the
// matching LinkState side is updated, the remote peer is pushed the same
// signal if it's on another host, and the link's operational state is
// recomputed and broadcast.
package carrier

import (
	"context"
	"fmt"

	"github.com/archetype-labs/archetyped/internal/app/core/agentrpc"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/domain/node"
	"github.com/archetype-labs/archetyped/internal/app/storage"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// AgentCaller is the subset of agentrpc.Client used to push a carrier
// change to a remote peer.
type AgentCaller interface {
	SetCarrier(ctx context.Context, req agentrpc.SetCarrierRequest) error
}

// ClientFactory resolves an AgentCaller for an agent address.
type ClientFactory func(agentAddress string) (AgentCaller, error)

// Broadcaster publishes a link state change to subscribers. Kept as a
// narrow interface so the broadcast package's concrete type stays
// decoupled from carrier.
type Broadcaster interface {
	PublishLinkState(ctx context.Context, ls link.LinkState)
}

// Event is a reported carrier transition from an agent callback.
type Event struct {
	LabID    string
	NodeName string
	Iface    string
	Carrier  bool // true = on, false = off
}

// Propagator applies carrier events to LinkState and mirrors them to peers.
type Propagator struct {
	links       storage.LinkStore
	agents      storage.AgentStore
	clientFor   ClientFactory
	broadcaster Broadcaster
	log         *logger.Logger
}

// New builds a Propagator.
func New(links storage.LinkStore, agents storage.AgentStore, clientFor ClientFactory, broadcaster Broadcaster, log *logger.Logger) *Propagator {
	return &Propagator{links: links, agents: agents, clientFor: clientFor, broadcaster: broadcaster, log: log}
}

// Apply handles one reported carrier transition.
func (p *Propagator) Apply(ctx context.Context, ev Event) error {
	iface := node.NormalizeInterface(ev.Iface)

	states, err := p.links.ListLinkStatesByLab(ctx, ev.LabID)
	if err != nil {
		return fmt.Errorf("list link states: %w", err)
	}

	var match *link.LinkState
	var isSource bool
	for i := range states {
		ls := &states[i]
		if ls.Source.NodeName == ev.NodeName && node.NormalizeInterface(ls.Source.Interface) == iface {
			match, isSource = ls, true
			break
		}
		if ls.Target.NodeName == ev.NodeName && node.NormalizeInterface(ls.Target.Interface) == iface {
			match, isSource = ls, false
			break
		}
	}
	if match == nil {
		return nil // no link currently owns this endpoint; nothing to mirror
	}

	carrierState := link.CarrierOff
	if ev.Carrier {
		carrierState = link.CarrierOn
	}

	var peerHostID, peerNodeName, peerIface string
	var localHostID string
	if isSource {
		localHostID = match.SourceHostID
		peerHostID, peerNodeName, peerIface = match.TargetHostID, match.Target.NodeName, match.Target.Interface
	} else {
		localHostID = match.TargetHostID
		peerHostID, peerNodeName, peerIface = match.SourceHostID, match.Source.NodeName, match.Source.Interface
	}

	var updated link.LinkState
	err = p.links.WithLinkStateLock(ctx, ev.LabID, match.CanonicalName, func(ls *link.LinkState) error {
		if isSource {
			ls.SourceCarrier = carrierState
		} else {
			ls.TargetCarrier = carrierState
		}
		ls.RecomputeOper()
		updated = *ls
		return nil
	})
	if err != nil {
		return fmt.Errorf("update link state: %w", err)
	}

	if peerHostID != "" && peerHostID != localHostID {
		if err := p.pushToPeer(ctx, peerHostID, ev.LabID, peerNodeName, peerIface, ev.Carrier); err != nil && p.log != nil {
			p.log.WithError(err).Warnf("carrier: propagate to peer host %s for link %s", peerHostID, match.CanonicalName)
		}
	}

	if p.broadcaster != nil {
		p.broadcaster.PublishLinkState(ctx, updated)
	}
	return nil
}

func (p *Propagator) pushToPeer(ctx context.Context, hostID, labID, nodeName, iface string, carrierOn bool) error {
	host, err := p.agents.GetAgent(ctx, hostID)
	if err != nil {
		return fmt.Errorf("get peer host: %w", err)
	}
	client, err := p.clientFor(host.Address)
	if err != nil {
		return fmt.Errorf("peer client: %w", err)
	}
	// This call flips only the interface's carrier signal, never its
	// administrative state, so the peer host does not itself observe a
	// transition and re-emit an event (spec §4.10 loop prevention).
	return client.SetCarrier(ctx, agentrpc.SetCarrierRequest{
		LabID: labID, NodeName: nodeName, Iface: iface, Carrier: carrierOn,
	})
}
