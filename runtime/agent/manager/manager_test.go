package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/hitl"
	"agentcore/runtime/agent/session"
	"agentcore/runtime/agent/snapshot"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return New(hitl.NewGate(), events.NewBroadcaster(), nil)
}

func TestRegisterEnforcesOneActiveSessionPerConversation(t *testing.T) {
	m := newManager(t)

	first := session.New(context.Background(), "sess-1", "conv-1", "user-1")
	require.NoError(t, m.Register(first))

	second := session.New(context.Background(), "sess-2", "conv-1", "user-1")
	require.ErrorIs(t, m.Register(second), ErrConversationBusy)

	m.Finish(first.ID)
	require.NoError(t, m.Register(second))
}

func TestStopIsIdempotent(t *testing.T) {
	m := newManager(t)
	sess := session.New(context.Background(), "sess-1", "conv-1", "user-1")
	require.NoError(t, m.Register(sess))

	require.NoError(t, m.Stop(sess.ID))
	require.NoError(t, m.Stop(sess.ID))
	require.True(t, sess.Cancelled())
	require.Equal(t, "user_requested", sess.StopReason())
}

func TestStopUnknownSession(t *testing.T) {
	m := newManager(t)
	require.ErrorIs(t, m.Stop("missing"), ErrSessionNotFound)
}

func TestGetAndListActive(t *testing.T) {
	m := newManager(t)
	sess := session.New(context.Background(), "sess-1", "conv-1", "user-1")
	sess.Context.AppendMessage(session.Message{Role: session.RoleUser})
	require.NoError(t, m.Register(sess))

	info, ok := m.Get(sess.ID)
	require.True(t, ok)
	require.Equal(t, "sess-1", info.SessionID)
	require.True(t, info.Active)
	require.Equal(t, 1, info.MessageCount)

	all := m.ListActive()
	require.Len(t, all, 1)

	m.Finish(sess.ID)
	_, ok = m.Get(sess.ID)
	require.False(t, ok)
	require.Empty(t, m.ListActive())
}

func TestConfirmContinueRoutesToGate(t *testing.T) {
	gate := hitl.NewGate()
	m := New(gate, events.NewBroadcaster(), nil)
	sess := session.New(context.Background(), "sess-1", "conv-1", "user-1")
	require.NoError(t, m.Register(sess))

	req := gate.Open(sess.ID, hitl.KindCostLimitConfirm, nil)
	require.NoError(t, m.ConfirmContinue(sess.ID, true))

	resp, err := gate.Wait(context.Background(), sess.ID, req.ID)
	require.NoError(t, err)
	require.True(t, resp.Approved())
}

func TestRollbackEmitsRollbackCompleted(t *testing.T) {
	dir := t.TempDir()
	store, err := snapshot.NewStore(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)

	path := filepath.Join(dir, "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ctx := context.Background()
	require.NoError(t, store.EnsureCaptured(ctx, "sess-1", path))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	abs, _ := filepath.Abs(path)
	require.NoError(t, store.Record(ctx, "sess-1", snapshot.OperationRecord{
		ID: "op-1", Kind: snapshot.KindFileWrite, Targets: []string{abs},
	}))

	b := events.NewBroadcaster()
	m := New(hitl.NewGate(), b, store)
	sub, err := b.Subscribe("sess-1", 0)
	require.NoError(t, err)

	outcomes, err := m.Rollback(ctx, "sess-1", nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Restored)

	evt := <-sub.C
	require.Equal(t, events.TypeRollbackCompleted, evt.Type)
	data := evt.Data.(events.RollbackCompletedData)
	require.Len(t, data.Outcomes, 1)
	require.True(t, data.Outcomes[0].Restored)

	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v1", string(restored))
}

func TestRespondHITL(t *testing.T) {
	gate := hitl.NewGate()
	m := New(gate, events.NewBroadcaster(), nil)
	sess := session.New(context.Background(), "sess-1", "conv-1", "user-1")
	require.NoError(t, m.Register(sess))

	req := gate.Open(sess.ID, hitl.KindIntentClarify, nil)
	require.NoError(t, m.RespondHITL(sess.ID, req.ID, "I meant the Tokyo office", nil))

	resp, err := gate.Wait(context.Background(), sess.ID, req.ID)
	require.NoError(t, err)
	require.Equal(t, "I meant the Tokyo office", resp.Answer)
}
