package chat

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcore/runtime/agent/backtrack"
	"agentcore/runtime/agent/engine"
	"agentcore/runtime/agent/engine/inmem"
	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/executor"
	"agentcore/runtime/agent/hitl"
	"agentcore/runtime/agent/manager"
	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/terminator"
	"agentcore/runtime/agent/tools"
)

type helloStreamer struct{ i int }

func (s *helloStreamer) Recv() (model.Chunk, error) {
	defer func() { s.i++ }()
	switch s.i {
	case 0:
		return model.Chunk{
			Type: model.ChunkTypeText,
			Message: &model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: "Hello!"}},
			},
		}, nil
	case 1:
		return model.Chunk{Type: model.ChunkTypeStop, StopReason: "end_turn"}, nil
	default:
		return model.Chunk{}, io.EOF
	}
}

func (s *helloStreamer) Close() error             { return nil }
func (s *helloStreamer) Metadata() map[string]any { return nil }

type helloModel struct{}

func (helloModel) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, model.ErrStreamingUnsupported
}

func (helloModel) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return &helloStreamer{}, nil
}

type memorySink struct {
	mu   sync.Mutex
	evts []events.Event
}

func (s *memorySink) AppendEvent(_ context.Context, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evts = append(s.evts, evt)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evts)
}

func newService(t *testing.T) (*Service, *memorySink) {
	t.Helper()
	b := events.NewBroadcaster()
	gate := hitl.NewGate()
	mgr := manager.New(gate, b, nil)
	exec := &executor.Executor{
		Model:       helloModel{},
		ModelName:   "test-model",
		Tools:       tools.NewExecutor(tools.NewRegistry(), nil, nil, nil, nil),
		Registry:    tools.NewRegistry(),
		Broadcaster: b,
		Terminator:  terminator.New(terminator.DefaultCaps()),
		Backtracker: backtrack.NewManager(nil),
		Gate:        gate,
		Pricing:     executor.PricingTable{},
		Injectors:   nil,
	}
	sink := &memorySink{}
	return &Service{
		Manager:     mgr,
		Executor:    exec,
		Broadcaster: b,
		Events:      sink,
	}, sink
}

func TestSendRejectsMalformedRequests(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Send(context.Background(), SendRequest{UserID: "u1"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Send(context.Background(), SendRequest{Message: "hi"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSendStreamsFullTurn(t *testing.T) {
	svc, sink := newService(t)

	res, err := svc.Send(context.Background(), SendRequest{Message: "hi", UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	require.NotEmpty(t, res.ConversationID)

	var got []events.Event
	timeout := time.After(5 * time.Second)
	for {
		var done bool
		select {
		case evt, ok := <-res.Events.C:
			if !ok {
				done = true
				break
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatal("stream did not complete")
		}
		if done {
			break
		}
	}

	require.Equal(t, events.TypeSessionStart, got[0].Type)
	require.Equal(t, events.TypeDone, got[len(got)-1].Type)

	// The event sink sees the same stream.
	require.Eventually(t, func() bool { return sink.count() == len(got) },
		2*time.Second, 10*time.Millisecond)
}

func TestSendThroughEngineCompletes(t *testing.T) {
	svc, _ := newService(t)
	svc.Engine = inmem.New()

	res, err := svc.Send(context.Background(), SendRequest{Message: "hi", UserID: "u1"})
	require.NoError(t, err)

	timeout := time.After(5 * time.Second)
	var sawEnd bool
	for !sawEnd {
		select {
		case evt, ok := <-res.Events.C:
			if !ok {
				sawEnd = true
				break
			}
			if evt.Type == events.TypeSessionEnd {
				require.Equal(t, "completed", evt.Data.(events.SessionEndData).Status)
			}
		case <-timeout:
			t.Fatal("engine-run session did not complete")
		}
	}

	require.Eventually(t, func() bool {
		status, err := svc.Engine.QueryRunStatus(context.Background(), res.SessionID)
		return err == nil && status == engine.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSecondSendOnBusyConversationFails(t *testing.T) {
	svc, _ := newService(t)

	// A model that never finishes keeps the first session active.
	blocking := make(chan struct{})
	svc.Executor.Model = blockingModel{release: blocking}
	defer close(blocking)

	first, err := svc.Send(context.Background(), SendRequest{Message: "hi", UserID: "u1", ConversationID: "conv-1"})
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)

	_, err = svc.Send(context.Background(), SendRequest{Message: "hello again", UserID: "u1", ConversationID: "conv-1"})
	require.ErrorIs(t, err, manager.ErrConversationBusy)
}

type blockingModel struct{ release chan struct{} }

func (m blockingModel) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, model.ErrStreamingUnsupported
}

func (m blockingModel) Stream(ctx context.Context, _ *model.Request) (model.Streamer, error) {
	return blockingStreamer{ctx: ctx, release: m.release}, nil
}

type blockingStreamer struct {
	ctx     context.Context
	release chan struct{}
}

func (s blockingStreamer) Recv() (model.Chunk, error) {
	select {
	case <-s.release:
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		return model.Chunk{}, s.ctx.Err()
	}
}

func (blockingStreamer) Close() error             { return nil }
func (blockingStreamer) Metadata() map[string]any { return nil }

func TestAbortIsIdempotentOnWire(t *testing.T) {
	svc, _ := newService(t)
	blocking := make(chan struct{})
	defer close(blocking)
	svc.Executor.Model = blockingModel{release: blocking}

	res, err := svc.Send(context.Background(), SendRequest{Message: "hi", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, svc.Abort(res.SessionID))
	// Duplicate abort: either still registered (no-op) or already finished.
	err = svc.Abort(res.SessionID)
	if err != nil {
		require.ErrorIs(t, err, manager.ErrSessionNotFound)
	}

	var stopped int
	timeout := time.After(5 * time.Second)
	for {
		var done bool
		select {
		case evt, ok := <-res.Events.C:
			if !ok {
				done = true
				break
			}
			if evt.Type == events.TypeSessionStopped {
				stopped++
			}
		case <-timeout:
			t.Fatal("session did not stop")
		}
		if done {
			break
		}
	}
	require.Equal(t, 1, stopped)
}

func TestFilesBecomeImageBlocks(t *testing.T) {
	req := SendRequest{
		Message: "what is in this picture?",
		UserID:  "u1",
		Files:   []File{{MediaType: "png", Data: []byte{0x89, 0x50}}},
	}
	msg := userMessage("m1", req)
	require.Len(t, msg.Content, 2)
	require.Equal(t, "png", msg.Content[1].ImageMediaType)

	// Blocks stay dense from 0.
	for i, block := range msg.Content {
		require.Equal(t, i, block.Index)
	}
}
