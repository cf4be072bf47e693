package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRuntimeContextIsEmpty(t *testing.T) {
	rc := NewRuntimeContext()
	require.Empty(t, rc.Messages)
	require.NotNil(t, rc.InjectorOutputs)
}

func TestRuntimeContextAppendMessageIsSerialized(t *testing.T) {
	rc := NewRuntimeContext()
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(i int) {
			rc.AppendMessage(Message{ID: "m", Role: RoleAssistant})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	require.Len(t, rc.SnapshotMessages(), 50)
}

func TestSessionCancel(t *testing.T) {
	s := New(context.Background(), "s1", "c1", "u1")
	require.False(t, s.Cancelled())
	s.Cancel()
	require.True(t, s.Cancelled())
}

func TestIntentResultNeedsPlan(t *testing.T) {
	require.False(t, IntentResult{Complexity: IntentSimple}.NeedsPlan())
	require.True(t, IntentResult{Complexity: IntentMedium}.NeedsPlan())
	require.True(t, IntentResult{Complexity: IntentComplex}.NeedsPlan())
}
