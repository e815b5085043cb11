package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLifecycleHappyPath(t *testing.T) {
	l := &lifecycle{}
	require.Equal(t, StateUnconnected, l.current())

	for _, s := range []State{StateReconnectChecking, StateProvisioning, StateRunning, StateShuttingDown, StateStopped} {
		require.NoError(t, l.transition(s))
		require.Equal(t, s, l.current())
	}
}

func TestLifecycleReconnectSkipsProvisioning(t *testing.T) {
	l := &lifecycle{}
	require.NoError(t, l.transition(StateReconnectChecking))
	require.NoError(t, l.transition(StateRunning))
}

func TestLifecycleRejectsBackwardsTransitions(t *testing.T) {
	l := &lifecycle{state: StateRunning}
	require.Error(t, l.transition(StateProvisioning))
	require.Error(t, l.transition(StateUnconnected))
	require.Equal(t, StateRunning, l.current())
}

func TestLifecycleStoppedIsTerminal(t *testing.T) {
	l := &lifecycle{state: StateStopped}
	for _, s := range []State{StateUnconnected, StateReconnectChecking, StateProvisioning, StateRunning, StateShuttingDown, StateStopped} {
		require.Error(t, l.transition(s))
	}
}

func TestLifecycleShutdownFromAnywhere(t *testing.T) {
	for _, from := range []State{StateUnconnected, StateReconnectChecking, StateProvisioning, StateRunning} {
		l := &lifecycle{state: from}
		require.NoError(t, l.transition(StateShuttingDown), "from %s", from)
	}
}
