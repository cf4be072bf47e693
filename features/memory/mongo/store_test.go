package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "agentcore/features/memory/mongo/clients/mongo"
	"agentcore/runtime/agent/memory"
)

type fakeClient struct {
	loadRun      func(ctx context.Context, agentID, runID string) (memory.Snapshot, error)
	appendEvents func(ctx context.Context, agentID, runID string, events []memory.Event) error
	appendCalls  int
}

func (f *fakeClient) Name() string               { return "fake" }
func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) LoadRun(ctx context.Context, agentID, runID string) (memory.Snapshot, error) {
	if f.loadRun == nil {
		return memory.Snapshot{}, nil
	}
	return f.loadRun(ctx, agentID, runID)
}

func (f *fakeClient) AppendEvents(ctx context.Context, agentID, runID string, events []memory.Event) error {
	f.appendCalls++
	if f.appendEvents == nil {
		return nil
	}
	return f.appendEvents(ctx, agentID, runID, events)
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestLoadRunDelegatesToClient(t *testing.T) {
	expected := memory.Snapshot{AgentID: "agent", RunID: "run"}
	fake := &fakeClient{
		loadRun: func(_ context.Context, agentID, runID string) (memory.Snapshot, error) {
			require.Equal(t, "agent", agentID)
			require.Equal(t, "run", runID)
			return expected, nil
		},
	}

	store, err := NewStore(Options{Client: fake})
	require.NoError(t, err)

	actual, err := store.LoadRun(context.Background(), "agent", "run")
	require.NoError(t, err)
	require.Equal(t, expected, actual)
}

func TestAppendEventsSkipsEmptyBatch(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewStore(Options{Client: fake})
	require.NoError(t, err)

	require.NoError(t, store.AppendEvents(context.Background(), "agent", "run"))
	require.Zero(t, fake.appendCalls)
}

func TestAppendEventsDelegates(t *testing.T) {
	fake := &fakeClient{
		appendEvents: func(_ context.Context, agentID, runID string, events []memory.Event) error {
			require.Equal(t, "agent", agentID)
			require.Equal(t, "run", runID)
			require.Len(t, events, 1)
			require.Equal(t, memory.EventToolCall, events[0].Type)
			return nil
		},
	}
	store, err := NewStore(Options{Client: fake})
	require.NoError(t, err)

	require.NoError(t, store.AppendEvents(context.Background(), "agent", "run", memory.Event{Type: memory.EventToolCall}))
	require.Equal(t, 1, fake.appendCalls)
}

func TestNewStoreFromMongoValidatesOptions(t *testing.T) {
	_, err := NewStoreFromMongo(clientsmongo.Options{})
	require.EqualError(t, err, "mongo client is required")
}
