package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"agentcore/runtime/agent/model"
)

// scriptedDecoder feeds a fixed event sequence to the ssestream.Stream.
type scriptedDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *scriptedDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *scriptedDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *scriptedDecoder) Close() error { return nil }
func (d *scriptedDecoder) Err() error   { return d.err }

func sseEvent(t *testing.T, kind, payload string) ssestream.Event {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return ssestream.Event{Type: kind, Data: data}
}

func TestStreamerDecodesTextAndToolCall(t *testing.T) {
	events := []ssestream.Event{
		sseEvent(t, "content_block_delta",
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		sseEvent(t, "content_block_start",
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"tool_a"}}`),
		sseEvent(t, "content_block_delta",
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"x\":1}"}}`),
		sseEvent(t, "content_block_stop",
			`{"type":"content_block_stop","index":1}`),
		sseEvent(t, "message_stop",
			`{"type":"message_stop"}`),
	}

	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&scriptedDecoder{events: events}, nil)
	s := newStreamer(context.Background(), stream, map[string]string{"tool_a": "toolset.tool"})
	defer func() { _ = s.Close() }()

	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, ch)
	}

	var text string
	var call *model.ToolCall
	var deltas string
	var sawStop bool
	for _, ch := range chunks {
		switch ch.Type {
		case model.ChunkTypeText:
			for _, p := range ch.Message.Parts {
				if tp, ok := p.(model.TextPart); ok {
					text += tp.Text
				}
			}
		case model.ChunkTypeToolCallDelta:
			deltas += ch.ToolCallDelta.Delta
		case model.ChunkTypeToolCall:
			call = ch.ToolCall
		case model.ChunkTypeStop:
			sawStop = true
		}
	}

	require.Equal(t, "hello", text)
	require.NotNil(t, call)
	require.Equal(t, "toolset.tool", string(call.Name))
	require.Equal(t, "t1", call.ID)
	// The concatenated deltas equal the finalized payload (spec: fragments
	// concatenate verbatim, parsed only at block stop).
	require.Equal(t, deltas, string(call.Payload))
	require.True(t, sawStop)
}

func TestStreamerEmptyToolInputCollapsesToObject(t *testing.T) {
	events := []ssestream.Event{
		sseEvent(t, "content_block_start",
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"tool_a"}}`),
		sseEvent(t, "content_block_stop",
			`{"type":"content_block_stop","index":0}`),
	}

	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&scriptedDecoder{events: events}, nil)
	s := newStreamer(context.Background(), stream, nil)
	defer func() { _ = s.Close() }()

	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if ch.Type == model.ChunkTypeToolCall {
			require.Equal(t, "{}", string(ch.ToolCall.Payload))
		}
	}
}
