package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscriber, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				t.Fatalf("channel closed after %d events", i)
			}
			out = append(out, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	return out
}

func TestEmitAssignsMonotonicSeq(t *testing.T) {
	b := NewBroadcaster()
	sub, err := b.Subscribe("s1", 0)
	require.NoError(t, err)

	b.Emit("s1", Partial{Type: TypeSessionStart})
	b.Emit("s1", Partial{Type: TypeMessageStart, MessageID: "m1"})

	evts := drain(t, sub, 2)
	require.Equal(t, uint64(1), evts[0].Seq)
	require.Equal(t, uint64(2), evts[1].Seq)
	require.NotEmpty(t, evts[0].EventUUID)
}

func TestContentDeltaCoalescesWithinWindow(t *testing.T) {
	b := NewBroadcaster()
	sub, err := b.Subscribe("s1", 0)
	require.NoError(t, err)

	b.Emit("s1", Partial{Type: TypeContentStart, MessageID: "m1", ContentIndex: 0})
	b.Emit("s1", Partial{Type: TypeContentDelta, MessageID: "m1", ContentIndex: 0, Delta: "Hel"})
	b.Emit("s1", Partial{Type: TypeContentDelta, MessageID: "m1", ContentIndex: 0, Delta: "lo"})

	evts := drain(t, sub, 2)
	require.Equal(t, TypeContentStart, evts[0].Type)
	require.Equal(t, TypeContentDelta, evts[1].Type)
	payload := evts[1].Data.(ContentDeltaData)
	require.Equal(t, "Hello", payload.Delta)
}

func TestNonDeltaForceFlushesPendingDelta(t *testing.T) {
	b := NewBroadcaster()
	sub, err := b.Subscribe("s1", 0)
	require.NoError(t, err)

	b.Emit("s1", Partial{Type: TypeContentDelta, MessageID: "m1", ContentIndex: 0, Delta: "Hel"})
	b.Emit("s1", Partial{Type: TypeContentStop, MessageID: "m1", ContentIndex: 0})

	evts := drain(t, sub, 2)
	require.Equal(t, TypeContentDelta, evts[0].Type)
	require.Equal(t, TypeContentStop, evts[1].Type)
}

func TestSubscribeReplaysRetainedEvents(t *testing.T) {
	b := NewBroadcaster()
	b.Emit("s1", Partial{Type: TypeSessionStart})
	b.Emit("s1", Partial{Type: TypeMessageStart, MessageID: "m1"})

	sub, err := b.Subscribe("s1", 1)
	require.NoError(t, err)
	evts := drain(t, sub, 1)
	require.Equal(t, uint64(2), evts[0].Seq)
}

func TestCloseDropsSubscribers(t *testing.T) {
	b := NewBroadcaster()
	sub, err := b.Subscribe("s1", 0)
	require.NoError(t, err)

	b.Close("s1")

	_, ok := <-sub.C
	require.False(t, ok)
}

func TestSlowSubscriberIsDroppedNotExecutor(t *testing.T) {
	b := NewBroadcaster()
	sub, err := b.Subscribe("s1", 0)
	require.NoError(t, err)

	for i := 0; i < subscriberBacklog+10; i++ {
		b.Emit("s1", Partial{Type: TypePing})
	}

	_, ok := <-sub.done
	require.False(t, ok, "subscriber should have been dropped under backpressure")
}
