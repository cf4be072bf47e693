package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/tools"
)

// streamer adapts an SDK Messages event stream to model.Streamer. A reader
// goroutine decodes SDK events into chunks on a buffered channel; Recv
// drains it until io.EOF or the first error.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], provToCanon map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.read(provToCanon)
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *streamer) read(provToCanon map[string]string) {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	dec := &eventDecoder{
		emit:        s.emitChunk,
		recordUsage: s.recordUsage,
		provToCanon: provToCanon,
		toolBlocks:  make(map[int]*toolBuffer),
		thinking:    make(map[int]*thinkingBuffer),
	}

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := dec.decode(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) recordUsage(usage model.TokenUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = usage
	s.metaMu.Unlock()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// eventDecoder converts SDK stream events into model.Chunks, buffering
// per-index tool-input fragments and thinking text until the provider
// closes each block.
type eventDecoder struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)
	provToCanon map[string]string

	toolBlocks map[int]*toolBuffer
	thinking   map[int]*thinkingBuffer

	stopReason string
}

func (d *eventDecoder) decode(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		d.reset()
		return nil
	case sdk.ContentBlockStartEvent:
		return d.blockStart(int(ev.Index), ev.ContentBlock.AsAny())
	case sdk.ContentBlockDeltaEvent:
		return d.blockDelta(int(ev.Index), ev.Delta.AsAny())
	case sdk.ContentBlockStopEvent:
		return d.blockStop(int(ev.Index))
	case sdk.MessageDeltaEvent:
		d.stopReason = string(ev.Delta.StopReason)
		usage := model.TokenUsage{
			InputTokens:      int(ev.Usage.InputTokens),
			OutputTokens:     int(ev.Usage.OutputTokens),
			TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
		}
		if d.recordUsage != nil {
			d.recordUsage(usage)
		}
		return d.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
	case sdk.MessageStopEvent:
		chunk := model.Chunk{Type: model.ChunkTypeStop, StopReason: d.stopReason}
		d.reset()
		return d.emit(chunk)
	}
	return nil
}

func (d *eventDecoder) reset() {
	d.toolBlocks = make(map[int]*toolBuffer)
	d.thinking = make(map[int]*thinkingBuffer)
	d.stopReason = ""
}

func (d *eventDecoder) blockStart(idx int, start any) error {
	toolUse, ok := start.(sdk.ToolUseBlock)
	if !ok {
		return nil
	}
	if toolUse.ID == "" {
		return fmt.Errorf("anthropic stream: tool use block missing id")
	}
	if toolUse.Name == "" {
		return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
	}
	name := toolUse.Name
	// Unknown provider names (a hallucinated tool never advertised in this
	// request) pass through unchanged; the tool executor converts them into
	// a not-found result the model can recover from next turn.
	if canonical, ok := d.provToCanon[name]; ok {
		name = canonical
	}
	d.toolBlocks[idx] = &toolBuffer{id: toolUse.ID, name: name}
	return nil
}

func (d *eventDecoder) blockDelta(idx int, delta any) error {
	switch v := delta.(type) {
	case sdk.TextDelta:
		if v.Text == "" {
			return nil
		}
		return d.emit(model.Chunk{
			Type: model.ChunkTypeText,
			Message: &model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: v.Text}},
				Meta:  map[string]any{"content_index": idx},
			},
		})
	case sdk.InputJSONDelta:
		tb := d.toolBlocks[idx]
		if v.PartialJSON == "" || tb == nil {
			return nil
		}
		tb.fragments = append(tb.fragments, v.PartialJSON)
		return d.emit(model.Chunk{
			Type: model.ChunkTypeToolCallDelta,
			ToolCallDelta: &model.ToolCallDelta{
				Name:  tools.Ident(tb.name),
				ID:    tb.id,
				Delta: v.PartialJSON,
			},
		})
	case sdk.ThinkingDelta:
		if v.Thinking == "" {
			return nil
		}
		tb := d.thinking[idx]
		if tb == nil {
			tb = &thinkingBuffer{}
			d.thinking[idx] = tb
		}
		tb.text.WriteString(v.Thinking)
		return d.emit(model.Chunk{
			Type:     model.ChunkTypeThinking,
			Thinking: v.Thinking,
			Message: &model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.ThinkingPart{Text: v.Thinking, Index: idx}},
			},
		})
	case sdk.SignatureDelta:
		if v.Signature == "" {
			return nil
		}
		tb := d.thinking[idx]
		if tb == nil {
			tb = &thinkingBuffer{}
			d.thinking[idx] = tb
		}
		tb.signature = v.Signature
		return nil
	default:
		return nil
	}
}

func (d *eventDecoder) blockStop(idx int) error {
	if tb := d.thinking[idx]; tb != nil {
		delete(d.thinking, idx)
		if part := tb.finalize(idx); part != nil {
			if err := d.emit(model.Chunk{
				Type:     model.ChunkTypeThinking,
				Thinking: part.Text,
				Message: &model.Message{
					Role:  model.ConversationRoleAssistant,
					Parts: []model.Part{*part},
				},
			}); err != nil {
				return err
			}
		}
	}
	if tb := d.toolBlocks[idx]; tb != nil {
		delete(d.toolBlocks, idx)
		return d.emit(model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{
				Name:    tools.Ident(tb.name),
				Payload: tb.payload(),
				ID:      tb.id,
			},
		})
	}
	return nil
}

// toolBuffer accumulates the JSON fragments of one tool_use block until the
// provider closes it.
type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

// payload concatenates the fragments verbatim; incomplete or empty input
// collapses to an empty object.
func (tb *toolBuffer) payload() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}

// thinkingBuffer accumulates reasoning text and its signature for one block.
type thinkingBuffer struct {
	text      strings.Builder
	signature string
	redacted  []byte
}

// finalize returns the terminal thinking part for the block, or nil when
// there is nothing worth emitting (no redacted payload, and no signed text).
func (tb *thinkingBuffer) finalize(index int) *model.ThinkingPart {
	if len(tb.redacted) > 0 {
		return &model.ThinkingPart{
			Redacted: append([]byte(nil), tb.redacted...),
			Index:    index,
			Final:    true,
		}
	}
	if s := tb.text.String(); s != "" && tb.signature != "" {
		return &model.ThinkingPart{
			Text:      s,
			Signature: tb.signature,
			Index:     index,
			Final:     true,
		}
	}
	return nil
}
