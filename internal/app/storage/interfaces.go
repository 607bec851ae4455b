// Package storage defines the persistence interfaces for every Archetype
// entity (spec §3, §4.1). Every interface takes a session-scoped context;
// the session boundary equals one logical operation, and implementations
// are expected to use row-level locks where the spec requires serialized
// mutation (NodeState, LinkState, endpoint reservations).
package storage

import (
	"context"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/internal/app/domain/job"
	"github.com/archetype-labs/archetyped/internal/app/domain/lab"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/domain/node"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/domain/placement"
	"github.com/archetype-labs/archetyped/internal/app/domain/snapshot"
)

// ErrNotFound is returned when a lookup by ID/key finds no row.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

// LabStore persists Lab aggregates.
type LabStore interface {
	CreateLab(ctx context.Context, l lab.Lab) (lab.Lab, error)
	GetLab(ctx context.Context, id string) (lab.Lab, error)
	ListLabs(ctx context.Context, owner string) ([]lab.Lab, error)
	UpdateLabState(ctx context.Context, id string, state lab.State) error
	DeleteLab(ctx context.Context, id string) error // cascades per spec §4.1
}

// NodeStore persists Node definitions.
type NodeStore interface {
	CreateNode(ctx context.Context, n node.Node) (node.Node, error)
	GetNode(ctx context.Context, id string) (node.Node, error)
	ListNodesByLab(ctx context.Context, labID string) ([]node.Node, error)
	DeleteNode(ctx context.Context, id string) error
}

// NodeStateStore persists NodeState rows, including the row-locking
// operations the enforcement/reconciliation loops depend on.
type NodeStateStore interface {
	CreateNodeState(ctx context.Context, ns nodestate.NodeState) (nodestate.NodeState, error)
	GetNodeState(ctx context.Context, labID, nodeID string) (nodestate.NodeState, error)
	ListNodeStatesByLab(ctx context.Context, labID string) ([]nodestate.NodeState, error)

	// UpdateNodeState replaces the row unconditionally, within its own
	// transaction and row lock (FOR UPDATE).
	UpdateNodeState(ctx context.Context, ns nodestate.NodeState) error

	// WithNodeStateLock runs fn with the NodeState row locked FOR UPDATE.
	// If skipLocked is true, a row already locked by another session is
	// skipped (fn is not called, ok=false) rather than blocking — used by
	// enforcement to avoid colliding with another worker.
	WithNodeStateLock(ctx context.Context, labID, nodeID string, skipLocked bool, fn func(ns *nodestate.NodeState) error) (ok bool, err error)
}

// LinkStore persists Link definitions and their LinkState/reservation rows.
type LinkStore interface {
	CreateLink(ctx context.Context, l link.Link) (link.Link, error)
	GetLink(ctx context.Context, id string) (link.Link, error)
	ListLinksByLab(ctx context.Context, labID string) ([]link.Link, error)
	DeleteLink(ctx context.Context, id string) error

	CreateLinkState(ctx context.Context, ls link.LinkState) (link.LinkState, error)
	GetLinkState(ctx context.Context, labID, canonicalName string) (link.LinkState, error)
	ListLinkStatesByLab(ctx context.Context, labID string) ([]link.LinkState, error)
	UpdateLinkState(ctx context.Context, ls link.LinkState) error
	WithLinkStateLock(ctx context.Context, labID, canonicalName string, fn func(ls *link.LinkState) error) error

	// ReserveEndpoints atomically claims both endpoints for a link, failing
	// with the names of conflicting links if either endpoint is already
	// held by a different desired-up link (spec §4.8 endpoint reservation,
	// unique constraint on (lab, node, interface)).
	ReserveEndpoints(ctx context.Context, labID, linkName string, a, b node.Endpoint) (conflicts []string, err error)
	ReleaseEndpoints(ctx context.Context, labID, linkName string) error

	CreateVxlanTunnel(ctx context.Context, t link.VxlanTunnel) (link.VxlanTunnel, error)
	GetVxlanTunnel(ctx context.Context, labID, linkName string) (link.VxlanTunnel, error)
	ListVxlanTunnels(ctx context.Context) ([]link.VxlanTunnel, error)
	UpdateVxlanTunnelStatus(ctx context.Context, labID, linkName string, status link.TunnelStatus) error
	DeleteVxlanTunnel(ctx context.Context, labID, linkName string) error
}

// AgentStore persists Host (agent) rows.
type AgentStore interface {
	UpsertAgent(ctx context.Context, h agenthost.Host) (agenthost.Host, error)
	GetAgent(ctx context.Context, id string) (agenthost.Host, error)
	GetAgentByName(ctx context.Context, name string) (agenthost.Host, error)
	ListAgents(ctx context.Context) ([]agenthost.Host, error)
	UpdateHeartbeat(ctx context.Context, id string, usage agenthost.ResourceUsage, at time.Time) error
	MarkOffline(ctx context.Context, ids []string) error

	// ListStaleAgentIDs returns agents whose status=online but heartbeat
	// age exceeds timeout.
	ListStaleAgentIDs(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error)
}

// JobStore persists Job rows.
type JobStore interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	UpdateJob(ctx context.Context, j job.Job) error
	ListActiveJobsByLab(ctx context.Context, labID string) ([]job.Job, error)
	ListStuckJobs(ctx context.Context, heartbeatThreshold time.Time) ([]job.Job, error)

	// CountActiveJobsByAgent returns the number of queued/running jobs
	// currently assigned to an agent, used by the registry's capacity check
	// (spec §4.2 pick/pick_for_lab, §4.4 agent selection).
	CountActiveJobsByAgent(ctx context.Context, agentID string) (int, error)

	// DeleteJobsOlderThan purges terminal jobs created before cutoff, honoring
	// cleanup_job_retention_days (spec §4.11, §6).
	DeleteJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// CreateJobIfNoConflict runs the admission check and the insert in one
	// transaction (spec §5: "admission check and job creation are a single
	// transaction to make the conflict check atomic with the insert").
	CreateJobIfNoConflict(ctx context.Context, j job.Job) (created job.Job, conflictingJobID string, err error)
}

// PlacementStore persists NodePlacement rows.
type PlacementStore interface {
	SetPlacement(ctx context.Context, p placement.Placement) error
	GetPlacementsByLab(ctx context.Context, labID string) ([]placement.Placement, error)
	DeletePlacement(ctx context.Context, labID, nodeName string) error
}

// SnapshotStore persists ConfigSnapshot and ImageSyncJob rows, used by the
// cleanup substrate's retention sweeps (SPEC_FULL.md §3).
type SnapshotStore interface {
	CreateConfigSnapshot(ctx context.Context, s snapshot.ConfigSnapshot) (snapshot.ConfigSnapshot, error)
	DeleteConfigSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	CreateImageSyncJob(ctx context.Context, j snapshot.ImageSyncJob) (snapshot.ImageSyncJob, error)
	GetImageSyncJob(ctx context.Context, agentID, imageRef string) (snapshot.ImageSyncJob, error)
	UpdateImageSyncJob(ctx context.Context, j snapshot.ImageSyncJob) error
	DeleteImageSyncJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store composes every persistence interface the core depends on.
type Store interface {
	LabStore
	NodeStore
	NodeStateStore
	LinkStore
	AgentStore
	JobStore
	PlacementStore
	SnapshotStore
}
