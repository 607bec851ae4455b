// Package cleanup implements the cleanup substrate (spec §4.11): an
// event-driven consumer reacting to lifecycle events, backed by periodic
// retention sweeps for resources the event path cannot guarantee it sees.
package cleanup

import "time"

// EventType names a lifecycle event the cleanup substrate reacts to.
type EventType string

const (
	EventLabDeleted           EventType = "LAB_DELETED"
	EventNodeRemoved          EventType = "NODE_REMOVED"
	EventNodePlacementChanged EventType = "NODE_PLACEMENT_CHANGED"
	EventLinkRemoved          EventType = "LINK_REMOVED"
	EventAgentOffline         EventType = "AGENT_OFFLINE"
	EventDeployFinished       EventType = "DEPLOY_FINISHED"
	EventDestroyFinished      EventType = "DESTROY_FINISHED"
	EventJobCompleted         EventType = "JOB_COMPLETED"
	EventJobFailed            EventType = "JOB_FAILED"
	EventStateCheckRequested  EventType = "STATE_CHECK_REQUESTED"
)

// Event carries the structured fields a handler needs; unused fields are
// left zero-valued depending on the event type.
type Event struct {
	Type      EventType
	LabID     string
	NodeID    string
	AgentID   string
	JobID     string
	OldValue  string
	NewValue  string
	Timestamp time.Time
}
