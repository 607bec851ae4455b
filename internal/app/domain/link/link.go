// Package link defines the Link/LinkState/LinkEndpointReservation/
// VxlanTunnel aggregates (spec §3, §4.8-4.10).
package link

import (
	"time"

	"github.com/archetype-labs/archetyped/internal/app/domain/node"
)

// Link is a definition of an undirected L2 connection between two endpoints.
type Link struct {
	ID     string
	LabID  string
	Source node.Endpoint
	Target node.Endpoint
}

// CanonicalName returns the unique, endpoint-order-independent link name.
func (l Link) CanonicalName() string {
	return node.CanonicalLinkName(l.Source, l.Target)
}

// Desired is the user-requested state of a link.
type Desired string

const (
	DesiredUp   Desired = "up"
	DesiredDown Desired = "down"
)

// Actual is the observed/enforced state of a link.
type Actual string

const (
	ActualUnknown    Actual = "unknown"
	ActualPending    Actual = "pending"
	ActualUp         Actual = "up"
	ActualDown       Actual = "down"
	ActualError      Actual = "error"
	ActualCleanup    Actual = "cleanup"
	ActualCreating   Actual = "creating"
	ActualConnecting Actual = "connecting"
)

// Carrier is physical-layer interface state, distinct from admin up/down.
type Carrier string

const (
	CarrierOn  Carrier = "on"
	CarrierOff Carrier = "off"
)

// OperState is the computed operational state of one side of a link.
type OperState string

const (
	OperUp      OperState = "up"
	OperDown    OperState = "down"
	OperUnknown OperState = "unknown"
)

// LinkState is the per-link runtime record.
type LinkState struct {
	LabID          string
	CanonicalName  string
	Source         node.Endpoint
	Target         node.Endpoint
	Desired        Desired
	Actual         Actual
	IsCrossHost    bool
	SourceHostID   string
	TargetHostID   string
	VNI            int // assigned only when IsCrossHost

	SourceVLANTag int
	TargetVLANTag int

	SourceVxlanAttached bool
	TargetVxlanAttached bool

	SourceCarrier Carrier
	TargetCarrier Carrier

	SourceOper       OperState
	SourceOperReason string
	TargetOper       OperState
	TargetOperReason string

	OperEpoch int64 // strictly monotonic within this row

	ErrorMessage string
}

// RecomputeOper derives each side's operational state from its carrier and
// (for cross-host links) vxlan-attachment, and bumps OperEpoch. Called after
// any carrier or attachment change (spec §4.10 step 4).
func (ls *LinkState) RecomputeOper() {
	ls.SourceOper, ls.SourceOperReason = computeSide(ls.SourceCarrier, ls.IsCrossHost, ls.SourceVxlanAttached)
	ls.TargetOper, ls.TargetOperReason = computeSide(ls.TargetCarrier, ls.IsCrossHost, ls.TargetVxlanAttached)
	ls.OperEpoch++
}

func computeSide(carrier Carrier, crossHost, vxlanAttached bool) (OperState, string) {
	if carrier == CarrierOff {
		return OperDown, "carrier off"
	}
	if crossHost && !vxlanAttached {
		return OperDown, "vxlan not attached"
	}
	if carrier == CarrierOn {
		return OperUp, ""
	}
	return OperUnknown, "carrier unknown"
}

// EndpointReservation is the uniqueness guard: at most one desired-up link
// may reserve a given (lab, node, interface).
type EndpointReservation struct {
	LabID     string
	NodeName  string
	Interface string
	LinkName  string // the link holding the reservation
}

// TunnelStatus is the lifecycle state of a cross-host VXLAN tunnel ledger row.
type TunnelStatus string

const (
	TunnelActive  TunnelStatus = "active"
	TunnelCleanup TunnelStatus = "cleanup"
	TunnelFailed  TunnelStatus = "failed"
)

// VxlanTunnel is the ledger entry for a cross-host tunnel.
type VxlanTunnel struct {
	LabID      string
	LinkName   string
	VNI        int
	AgentAID   string
	AgentAIP   string
	AgentBID   string
	AgentBIP   string
	PortName   string
	Status     TunnelStatus
	CreatedAt  time.Time
}
