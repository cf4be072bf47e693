package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ThrottleWindow is the content-delta coalescing window from spec §4.1.
const ThrottleWindow = 150 * time.Millisecond

// HeartbeatInterval is how often a tick frame is emitted on a persistent
// transport (spec §4.1/§6.1).
const HeartbeatInterval = 30 * time.Second

// ReplayWindow bounds how many recent events a session retains for late
// subscribers; subscribing below the retained range yields ErrGap.
const ReplayWindow = 4096

// ErrGap is returned by Subscribe when after_seq is below the retained
// window; the HTTP transport turns this into a `gap` control event followed
// by `done`, with no snapshot attached.
var ErrGap = fmt.Errorf("events: requested seq is below the retained replay window")

// Subscriber receives events for one transport connection.
type Subscriber struct {
	C    <-chan Event
	done chan struct{}
	drop func()
}

// Close unsubscribes, releasing the broadcaster's reference to this
// subscriber. Idempotent.
func (s *Subscriber) Close() {
	if s.drop != nil {
		s.drop()
	}
}

// subscriberBacklog bounds the buffered-but-unconsumed events per
// subscriber before the broadcaster drops that subscriber (spec §9
// backpressure: never block executor progress for a slow client).
const subscriberBacklog = 256

type pendingDelta struct {
	partial Partial
	buf     []byte
	timer   *time.Timer
}

type sessionLog struct {
	mu        sync.Mutex
	seq       uint64
	log       []Event
	subs      map[int]*subscriberState
	nextSubID int
	closed    bool
	pending   map[string]*pendingDelta
}

type subscriberState struct {
	ch   chan Event
	done chan struct{}
}

// Broadcaster implements the EventBroadcaster of spec §4.1.
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog

	// now is overridable for deterministic tests.
	now func() time.Time
}

// NewBroadcaster builds a Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		sessions: make(map[string]*sessionLog),
		now:      time.Now,
	}
}

func (b *Broadcaster) sessionFor(sessionID string) *sessionLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	sl, ok := b.sessions[sessionID]
	if !ok {
		sl = &sessionLog{
			subs:    make(map[int]*subscriberState),
			pending: make(map[string]*pendingDelta),
		}
		b.sessions[sessionID] = sl
	}
	return sl
}

// Emit fills in event_uuid/seq/timestamp and fans the event out to
// subscribers in enqueue order. Safe to call from any goroutine (spec
// §4.1). content_delta events are routed through the throttle aggregator
// instead of being emitted immediately.
func (b *Broadcaster) Emit(sessionID string, p Partial) {
	sl := b.sessionFor(sessionID)

	if p.Type == TypeContentDelta {
		b.emitDelta(sessionID, sl, p)
		return
	}

	sl.mu.Lock()
	b.flushMessageLocked(sessionID, sl, p.MessageID)
	evt := b.sealLocked(sl, sessionID, p)
	b.appendAndFanoutLocked(sl, evt)
	sl.mu.Unlock()
}

// flushMessageLocked force-flushes every pending delta for messageID before a
// non-delta event for the same message is sealed (spec §4.1: coalescing never
// crosses content boundaries). Caller holds sl.mu.
func (b *Broadcaster) flushMessageLocked(sessionID string, sl *sessionLog, messageID string) {
	for key, pd := range sl.pending {
		if pd.partial.MessageID != messageID {
			continue
		}
		delete(sl.pending, key)
		if pd.timer != nil {
			pd.timer.Stop()
		}
		flushed := pd.partial
		flushed.Delta = string(pd.buf)
		evt := b.sealLocked(sl, sessionID, flushed)
		b.appendAndFanoutLocked(sl, evt)
	}
}

func (b *Broadcaster) emitDelta(sessionID string, sl *sessionLog, p Partial) {
	key := deltaKey(p.MessageID, p.ContentIndex)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if existing, ok := sl.pending[key]; ok {
		existing.buf = append(existing.buf, p.Delta...)
		return
	}
	pd := &pendingDelta{partial: p, buf: []byte(p.Delta)}
	sl.pending[key] = pd
	pd.timer = time.AfterFunc(ThrottleWindow, func() {
		sl.mu.Lock()
		defer sl.mu.Unlock()
		b.flushKeyLocked(sessionID, sl, p.MessageID, p.ContentIndex)
	})
}

// flushKeyLocked emits the buffered delta for (messageID, index), if any.
// Caller holds sl.mu.
func (b *Broadcaster) flushKeyLocked(sessionID string, sl *sessionLog, messageID string, index int) {
	key := deltaKey(messageID, index)
	pd, ok := sl.pending[key]
	if !ok {
		return
	}
	delete(sl.pending, key)
	if pd.timer != nil {
		pd.timer.Stop()
	}
	flushed := pd.partial
	flushed.Delta = string(pd.buf)
	evt := b.sealLocked(sl, sessionID, flushed)
	b.appendAndFanoutLocked(sl, evt)
}

// FlushAll force-flushes every pending delta for a session, used before
// content_stop and before session teardown (spec §4.1: "If the executor
// terminates, any buffered delta is flushed before content_stop").
func (b *Broadcaster) FlushAll(sessionID string) {
	sl := b.sessionFor(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for key, pd := range sl.pending {
		delete(sl.pending, key)
		if pd.timer != nil {
			pd.timer.Stop()
		}
		flushed := pd.partial
		flushed.Delta = string(pd.buf)
		evt := b.sealLocked(sl, sessionID, flushed)
		b.appendAndFanoutLocked(sl, evt)
	}
}

func deltaKey(messageID string, index int) string {
	return fmt.Sprintf("%s#%d", messageID, index)
}

// sealLocked assigns event_uuid/seq/timestamp and appends to the retained
// log, trimming to ReplayWindow. Caller holds sl.mu.
func (b *Broadcaster) sealLocked(sl *sessionLog, sessionID string, p Partial) Event {
	sl.seq++
	evt := Event{
		EventUUID:      uuid.NewString(),
		Seq:            sl.seq,
		Type:           p.Type,
		SessionID:      sessionID,
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		Timestamp:      b.now(),
		Data:           p.Data,
	}
	if p.Type == TypeContentDelta {
		evt.Data = ContentDeltaData{Index: p.ContentIndex, Delta: p.Delta}
	}
	sl.log = append(sl.log, evt)
	if len(sl.log) > ReplayWindow {
		sl.log = sl.log[len(sl.log)-ReplayWindow:]
	}
	return evt
}

// appendAndFanoutLocked delivers evt to every subscriber's channel,
// dropping (closing) any subscriber whose channel is full rather than
// blocking the emit path (spec §9 backpressure). Caller holds sl.mu.
func (b *Broadcaster) appendAndFanoutLocked(sl *sessionLog, evt Event) {
	for id, sub := range sl.subs {
		select {
		case sub.ch <- evt:
		default:
			close(sub.done)
			close(sub.ch)
			delete(sl.subs, id)
		}
	}
}

// Subscribe returns a Subscriber delivering events with seq > afterSeq,
// replaying retained history synchronously (as already-buffered channel
// sends) before live events. Returns ErrGap if afterSeq is older than the
// retained window.
func (b *Broadcaster) Subscribe(sessionID string, afterSeq uint64) (*Subscriber, error) {
	sl := b.sessionFor(sessionID)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if len(sl.log) > 0 {
		oldest := sl.log[0].Seq
		if afterSeq > 0 && oldest > 1 && afterSeq < oldest-1 {
			return nil, ErrGap
		}
	}

	var replay []Event
	for _, evt := range sl.log {
		if evt.Seq > afterSeq {
			replay = append(replay, evt)
		}
	}

	ch := make(chan Event, subscriberBacklog+len(replay))
	for _, evt := range replay {
		ch <- evt
	}

	// A session that already closed only has history to offer: deliver the
	// replay and complete the subscriber immediately.
	if sl.closed {
		done := make(chan struct{})
		close(done)
		close(ch)
		return &Subscriber{C: ch, done: done, drop: func() {}}, nil
	}

	id := sl.nextSubID
	sl.nextSubID++
	state := &subscriberState{ch: ch, done: make(chan struct{})}
	sl.subs[id] = state

	var dropped int32
	drop := func() {
		if !atomic.CompareAndSwapInt32(&dropped, 0, 1) {
			return
		}
		sl.mu.Lock()
		defer sl.mu.Unlock()
		if _, ok := sl.subs[id]; ok {
			delete(sl.subs, id)
			close(state.done)
		}
	}

	return &Subscriber{C: ch, done: state.done, drop: drop}, nil
}

// Close flushes any buffered deltas and drops all subscribers for a
// session. Idempotent.
func (b *Broadcaster) Close(sessionID string) {
	sl := b.sessionFor(sessionID)

	b.FlushAll(sessionID)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed {
		return
	}
	sl.closed = true
	for id, sub := range sl.subs {
		close(sub.ch)
		close(sub.done)
		delete(sl.subs, id)
	}
}
