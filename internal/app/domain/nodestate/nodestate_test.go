package nodestate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
)

func TestSetDesiredResetsEnforcementCounters(t *testing.T) {
	s := &nodestate.NodeState{
		Desired:             nodestate.DesiredRunning,
		Actual:              nodestate.ActualError,
		EnforcementAttempts: 3,
	}
	s.EnforcementFailedAt = nowPtr()

	s.SetDesired(nodestate.DesiredStopped)

	assert.Equal(t, 0, s.EnforcementAttempts)
	assert.Nil(t, s.EnforcementFailedAt)
}

func TestSetDesiredNoopWhenUnchanged(t *testing.T) {
	s := &nodestate.NodeState{Desired: nodestate.DesiredRunning, EnforcementAttempts: 2}
	s.SetDesired(nodestate.DesiredRunning)
	assert.Equal(t, 2, s.EnforcementAttempts)
}

func TestAdmitCommandStartWhileStoppingIsRejected(t *testing.T) {
	result, err := nodestate.AdmitCommand(nodestate.ActualStopping, nodestate.CommandStart)
	require.Error(t, err)
	assert.Equal(t, nodestate.AdmitReject, result)
	assert.IsType(t, nodestate.ErrTransitional{}, err)
}

func TestAdmitCommandStopWhileStartingIsAllowed(t *testing.T) {
	result, err := nodestate.AdmitCommand(nodestate.ActualStarting, nodestate.CommandStop)
	require.NoError(t, err)
	assert.Equal(t, nodestate.AdmitProceed, result)
}

func TestAdmitCommandStartWhileRunningIsNoop(t *testing.T) {
	result, err := nodestate.AdmitCommand(nodestate.ActualRunning, nodestate.CommandStart)
	require.NoError(t, err)
	assert.Equal(t, nodestate.AdmitNoop, result)
}

func TestAdmitCommandStopWhileStoppedIsNoop(t *testing.T) {
	result, err := nodestate.AdmitCommand(nodestate.ActualStopped, nodestate.CommandStop)
	require.NoError(t, err)
	assert.Equal(t, nodestate.AdmitNoop, result)
}

func TestAdmitCommandStartAgainstErrorProceeds(t *testing.T) {
	result, err := nodestate.AdmitCommand(nodestate.ActualError, nodestate.CommandStart)
	require.NoError(t, err)
	assert.Equal(t, nodestate.AdmitProceed, result)
}

func TestNeedsEnforcementRespectsCircuitBreaker(t *testing.T) {
	s := nodestate.NodeState{
		Desired:             nodestate.DesiredRunning,
		Actual:              nodestate.ActualError,
		EnforcementFailedAt: nowPtr(),
	}
	assert.False(t, s.NeedsEnforcement())
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, nodestate.Transition(nodestate.ActualUndeployed, nodestate.ActualStarting))
	assert.True(t, nodestate.Transition(nodestate.ActualStarting, nodestate.ActualRunning))
	assert.False(t, nodestate.Transition(nodestate.ActualRunning, nodestate.ActualUndeployed))
}

func nowPtr() *time.Time {
	t := time.Now()
	return &t
}
