package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcore/runtime/agent/backtrack"
	"agentcore/runtime/agent/chat"
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

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	b := events.NewBroadcaster()
	gate := hitl.NewGate()
	mgr := manager.New(gate, b, nil)
	svc := &chat.Service{
		Manager: mgr,
		Executor: &executor.Executor{
			Model:       helloModel{},
			ModelName:   "test-model",
			Tools:       tools.NewExecutor(tools.NewRegistry(), nil, nil, nil, nil),
			Registry:    tools.NewRegistry(),
			Broadcaster: b,
			Terminator:  terminator.New(terminator.DefaultCaps()),
			Backtracker: backtrack.NewManager(nil),
			Gate:        gate,
			Pricing:     executor.PricingTable{},
		},
		Broadcaster: b,
	}
	mux := http.NewServeMux()
	(&Handler{Chat: svc}).Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestChatStreamsSSEUntilDone(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"message":"hi","user_id":"u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Session-Id"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	require.Contains(t, text, `"type":"session_start"`)
	require.Contains(t, text, `"type":"content_delta"`)
	require.Contains(t, text, `"type":"session_end"`)
	require.True(t, strings.HasSuffix(strings.TrimSpace(text), "event: done"))
}

func TestChatRejectsMalformedRequest(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"user_id":"u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionIntrospection(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/session/unknown")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestStopUnknownSessionIs404(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/session/unknown/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHumanConfirmationValidation(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/human-confirmation/sess-1", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionEventsReplay(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"message":"hi","user_id":"u1"}`))
	require.NoError(t, err)
	sessionID := resp.Header.Get("X-Session-Id")
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	// Re-attach after the fact; the retained window replays the stream.
	require.Eventually(t, func() bool {
		resp2, err := http.Get(srv.URL + "/session/" + sessionID + "/events?after_seq=0")
		if err != nil {
			return false
		}
		defer resp2.Body.Close()
		body, _ := io.ReadAll(resp2.Body)
		return strings.Contains(string(body), `"type":"session_end"`)
	}, 5*time.Second, 50*time.Millisecond)
}
