package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDelegationStateTerminal(t *testing.T) {
	var terminal = []DelegationState{StateCompleted, StateError, StateCancelled, StateExpired}
	for _, s := range terminal {
		require.True(t, s.Terminal(), "expected %q to be terminal", s)
	}
	var nonTerminal = []DelegationState{StateCreated, StateInvited, StateAccepted, StateStarted, StateRunning}
	for _, s := range nonTerminal {
		require.False(t, s.Terminal(), "expected %q to not be terminal", s)
	}
}

func TestErrorFormatting(t *testing.T) {
	var err = NewError(CodeDeclined, "resource %q is too large", "repo")
	require.Equal(t, "DECLINED: resource \"repo\" is too large", err.Error())

	err.WithHint("exclude the path")
	require.Equal(t, "DECLINED: resource \"repo\" is too large (exclude the path)", err.Error())
}

func TestDelegationCloneIsIndependent(t *testing.T) {
	var original = &Delegation{
		ID:          "d1",
		Environment: []Resource{{Name: "repo"}},
		Snapshots:   []Snapshot{{ID: "s1"}},
		LeaseActive: &Lease{TTLSeconds: 60},
		Result:      &Result{Summary: "done"},
		Error:       &Error{Code: CodeTaskFailed, Message: "boom"},
	}

	var clone = original.Clone()
	clone.Environment[0].Name = "mutated"
	clone.Snapshots[0].ID = "mutated"
	clone.LeaseActive.TTLSeconds = 999
	clone.Result.Summary = "mutated"
	clone.Error.Message = "mutated"

	require.Equal(t, "repo", original.Environment[0].Name)
	require.Equal(t, "s1", original.Snapshots[0].ID)
	require.Equal(t, 60, original.LeaseActive.TTLSeconds)
	require.Equal(t, "done", original.Result.Summary)
	require.Equal(t, "boom", original.Error.Message)
}

func TestEnvelopeDiscriminatesMessageType(t *testing.T) {
	var raw = []byte(`{"version":"1","type":"INVITE","delegationId":"d1"}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, MsgInvite, env.Type)
}
