// Package nodestate defines the desired-vs-actual record for a single node
// and its lifecycle state machine (spec §3, §4.5).
package nodestate

import (
	"fmt"
	"time"
)

// Desired is the user-requested runtime state for a node.
type Desired string

const (
	DesiredRunning Desired = "running"
	DesiredStopped Desired = "stopped"
)

// Actual is the observed/enforced runtime state for a node.
type Actual string

const (
	ActualUndeployed Actual = "undeployed"
	ActualStarting   Actual = "starting"
	ActualRunning    Actual = "running"
	ActualStopping   Actual = "stopping"
	ActualStopped    Actual = "stopped"
	ActualError      Actual = "error"
)

// ImageSyncStatus tracks whether the node's image needs syncing to its host.
type ImageSyncStatus string

const (
	ImageSyncNone    ImageSyncStatus = "none"
	ImageSyncSyncing ImageSyncStatus = "syncing"
	ImageSyncFailed  ImageSyncStatus = "failed"
)

// NodeState is the exactly-one-per-(lab,node) desired/actual record.
type NodeState struct {
	LabID  string
	NodeID string

	Desired Desired
	Actual  Actual
	IsReady bool

	BootStartedAt     *time.Time
	StartingStartedAt *time.Time
	StoppingStartedAt *time.Time

	ErrorMessage string
	ImageSync    ImageSyncStatus

	EnforcementAttempts  int
	LastEnforcementAt    *time.Time
	EnforcementFailedAt  *time.Time
}

// SetDesired changes desired state and, per invariant, resets enforcement
// counters whenever desired state changes.
func (s *NodeState) SetDesired(d Desired) {
	if s.Desired == d {
		return
	}
	s.Desired = d
	s.EnforcementAttempts = 0
	s.EnforcementFailedAt = nil
}

// NeedsEnforcement reports whether desired and actual have drifted and the
// node is not already mid-transition.
func (s NodeState) NeedsEnforcement() bool {
	if s.EnforcementFailedAt != nil {
		return false // circuit open; only a desired-state change clears this
	}
	switch s.Desired {
	case DesiredRunning:
		return s.Actual != ActualRunning && s.Actual != ActualStarting
	case DesiredStopped:
		return s.Actual != ActualStopped && s.Actual != ActualStopping && s.Actual != ActualUndeployed
	default:
		return false
	}
}

// Command is a user- or enforcement-issued verb against a node.
type Command string

const (
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandDestroy Command = "destroy"
)

// ErrTransitional is returned by AdmitCommand when the node is in a state
// that does not accept the requested command.
type ErrTransitional struct {
	Command Command
	Actual  Actual
}

func (e ErrTransitional) Error() string {
	return fmt.Sprintf("cannot %s node in transitional state %s", e.Command, e.Actual)
}

// AdmitResult describes the outcome of admitting a command.
type AdmitResult int

const (
	AdmitReject AdmitResult = iota
	AdmitNoop
	AdmitProceed
)

// AdmitCommand applies the command-admission rules from spec §4.5. The same
// rules apply whether the command originates from the API or from
// enforcement.
func AdmitCommand(actual Actual, cmd Command) (AdmitResult, error) {
	switch cmd {
	case CommandStart:
		switch actual {
		case ActualStopping:
			return AdmitReject, ErrTransitional{Command: cmd, Actual: actual}
		case ActualRunning:
			return AdmitNoop, nil
		case ActualError, ActualStopped, ActualUndeployed, ActualStarting:
			return AdmitProceed, nil
		}
	case CommandStop:
		switch actual {
		case ActualStopped:
			return AdmitNoop, nil
		case ActualStarting:
			// Stopping a booting node aborts the slow boot; explicitly allowed.
			return AdmitProceed, nil
		default:
			return AdmitProceed, nil
		}
	case CommandDestroy:
		return AdmitProceed, nil
	}
	return AdmitReject, fmt.Errorf("unknown command %q", cmd)
}

// Transition applies an agent-callback or reconciliation-driven actual-state
// transition, validating it against the table in spec §4.5. Unknown
// transitions are rejected so callers can decide whether to log-and-ignore
// or escalate.
func Transition(from, to Actual) bool {
	allowed := map[Actual][]Actual{
		ActualUndeployed: {ActualStarting},
		ActualStarting:   {ActualRunning, ActualError, ActualStopped},
		ActualRunning:    {ActualStopping, ActualError, ActualStopped},
		ActualStopping:   {ActualStopped, ActualError},
		ActualStopped:    {ActualStarting, ActualStopped},
		ActualError:      {ActualStarting, ActualStopped},
	}
	for _, candidate := range allowed[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
