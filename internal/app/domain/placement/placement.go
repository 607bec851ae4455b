// Package placement defines the NodePlacement mapping (spec §3).
package placement

// Placement maps a (lab, node_name) pair to the host it is pinned or
// assigned to. Used when nodes are explicitly pinned or when a deploy
// chooses placement, and destroyed on node removal.
type Placement struct {
	LabID    string
	NodeName string
	HostID   string
}
