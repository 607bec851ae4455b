// Package snapshot defines the ConfigSnapshot and ImageSyncJob entities
// supplemented from original_source (SPEC_FULL.md §3). Both are persisted
// and swept by the cleanup substrate's retention sweeps; the job pipeline's
// image pre-flight does not read ImageSyncJob rows.
package snapshot

import "time"

// ConfigSnapshot is a point-in-time capture of a lab's topology.
type ConfigSnapshot struct {
	ID        string
	LabID     string
	Topology  []byte // JSON blob
	CreatedAt time.Time
}

// ImageSyncStatus is the lifecycle state of an ImageSyncJob.
type ImageSyncStatus string

const (
	ImageSyncQueued    ImageSyncStatus = "queued"
	ImageSyncRunning   ImageSyncStatus = "running"
	ImageSyncCompleted ImageSyncStatus = "completed"
	ImageSyncFailed    ImageSyncStatus = "failed"
)

// ImageSyncJob tracks syncing one image reference to one agent.
type ImageSyncJob struct {
	ID          string
	AgentID     string
	ImageRef    string
	Status      ImageSyncStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}
