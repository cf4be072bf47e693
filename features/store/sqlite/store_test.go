package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcore/runtime/agent/chat"
	"agentcore/runtime/agent/events"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestConversationAndMessages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureConversation(ctx, "conv-1", "user-1"))
	require.NoError(t, s.EnsureConversation(ctx, "conv-1", "user-1")) // idempotent

	require.NoError(t, s.AppendMessage(ctx, "conv-1", "m1", "user", "hello"))
	require.NoError(t, s.AppendMessage(ctx, "conv-1", "m2", "assistant", "hi there"))

	msgs, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, "assistant", msgs[1].Role)
}

func TestEventsAppendAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, events.Event{
			EventUUID:      time.Now().Format("20060102150405.000000000") + string(rune('a'+i)),
			SessionID:      "sess-1",
			Seq:            uint64(i),
			Type:           events.TypeContentDelta,
			ConversationID: "conv-1",
			Timestamp:      time.Now(),
			Data:           events.ContentDeltaData{Index: 0, Delta: "x"},
		}))
	}

	evts, err := s.ListEvents(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Equal(t, uint64(2), evts[0].Seq)
	require.Equal(t, uint64(3), evts[1].Seq)
	require.JSONEq(t, `{"index":0,"delta":"x"}`, string(evts[0].Data))
}

func TestSaveSessionImplementsPersister(t *testing.T) {
	s := newStore(t)
	var _ chat.SessionPersister = s

	require.NoError(t, s.SaveSession(context.Background(), chat.SessionRecord{
		ID: "sess-2", ConversationID: "conv-1", UserID: "user-1",
		Status: "running", StartedAt: time.Now(),
	}))
}

func TestSessionRowUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	started := time.Now()
	require.NoError(t, s.UpsertSession(ctx, SessionRow{
		ID: "sess-1", ConversationID: "conv-1", UserID: "user-1",
		Status: "running", StartedAt: started,
	}))

	finished := started.Add(5 * time.Second)
	require.NoError(t, s.UpsertSession(ctx, SessionRow{
		ID: "sess-1", ConversationID: "conv-1", UserID: "user-1",
		Status: "completed", StopReason: "MODEL_END", Turns: 3, CostUSD: 0.12,
		StartedAt: started, FinishedAt: &finished,
	}))

	var status, stopReason string
	var turns int
	err := s.db.QueryRowContext(ctx,
		`SELECT status, stop_reason, turns FROM sessions WHERE id = ?`, "sess-1").
		Scan(&status, &stopReason, &turns)
	require.NoError(t, err)
	require.Equal(t, "completed", status)
	require.Equal(t, "MODEL_END", stopReason)
	require.Equal(t, 3, turns)
}
