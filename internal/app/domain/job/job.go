// Package job defines the Job aggregate and its action-string grammar
// (spec §3, §4.4).
package job

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the status counts toward the conflict matrix.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Verb is the primary action tag parsed from an action string. Per design
// note (spec §9), a tagged variant keeps the conflict matrix a pure
// function over the tag instead of a string-parsing mess scattered through
// the pipeline.
type Verb string

const (
	VerbUp    Verb = "up"
	VerbDown  Verb = "down"
	VerbSync  Verb = "sync"
)

// Action is the parsed form of a Job's action string.
type Action struct {
	Verb Verb

	// Qualifiers for sync: node:<id>, agent:<host_id>, or none (whole-lab sync).
	SyncNodeID  string
	SyncAgentID string

	// Qualifiers for links: add:N,remove:M counts, informational only —
	// the conflict matrix does not look inside them.
	LinksAdd    int
	LinksRemove int
	raw         string
}

// String reconstructs the action string, e.g. "sync:node:r1" or
// "links:add:2,remove:1".
func (a Action) String() string {
	if a.raw != "" {
		return a.raw
	}
	switch a.Verb {
	case VerbUp, VerbDown:
		return string(a.Verb)
	case VerbSync:
		switch {
		case a.SyncNodeID != "":
			return fmt.Sprintf("sync:node:%s", a.SyncNodeID)
		case a.SyncAgentID != "":
			return fmt.Sprintf("sync:agent:%s", a.SyncAgentID)
		default:
			return "sync"
		}
	}
	return string(a.Verb)
}

// ParseAction parses an action string into its tagged form. Unknown verbs
// produce an error; the grammar is deliberately small (spec §4.4).
func ParseAction(raw string) (Action, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.SplitN(raw, ":", 2)
	verb := Verb(parts[0])

	switch verb {
	case VerbUp, VerbDown:
		return Action{Verb: verb, raw: raw}, nil
	case VerbSync:
		a := Action{Verb: VerbSync, raw: raw}
		if len(parts) == 2 {
			qual := strings.SplitN(parts[1], ":", 2)
			if len(qual) == 2 {
				switch qual[0] {
				case "node":
					a.SyncNodeID = qual[1]
				case "agent":
					a.SyncAgentID = qual[1]
				}
			}
		}
		return a, nil
	case "links":
		a := Action{Verb: VerbSync, raw: raw} // links mutations conflict like sync: they don't block other syncs
		if len(parts) == 2 {
			for _, kv := range strings.Split(parts[1], ",") {
				kv = strings.TrimSpace(kv)
				if strings.HasPrefix(kv, "add:") {
					fmt.Sscanf(strings.TrimPrefix(kv, "add:"), "%d", &a.LinksAdd)
				}
				if strings.HasPrefix(kv, "remove:") {
					fmt.Sscanf(strings.TrimPrefix(kv, "remove:"), "%d", &a.LinksRemove)
				}
			}
		}
		return a, nil
	default:
		return Action{}, fmt.Errorf("unknown job action verb %q", parts[0])
	}
}

// Conflicts reports whether two verbs may not run concurrently for the same
// lab, per the conflict matrix in spec §4.4: up/down/sync all mutually
// conflict, except sync does not conflict with another sync.
func Conflicts(a, b Verb) bool {
	if a == VerbSync && b == VerbSync {
		return false
	}
	return true
}

// Job is a unit of work executed against one or more agents on behalf of a
// lab mutation.
type Job struct {
	ID          string
	LabID       string
	UserID      string
	Action      Action
	Status      Status
	AgentID     string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastHeartbeat *time.Time
	RetryCount  int
	ParentJobID string // the job this one supersedes, if a retry
	Log         string
}

// IsTerminal reports whether the job has reached a terminal status.
func (j Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
