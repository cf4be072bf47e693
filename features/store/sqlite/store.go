// Package sqlite implements the per-instance persisted state layout of spec
// §6.3 on a WAL-mode SQLite database using the pure-Go driver: conversations,
// messages, the session row, the append-only events table, and the
// scheduled_tasks table owned by the scheduling subsystem. The execution core
// writes only the events table, the session row, and conversations/messages
// through the chat façade; other subsystems own their tables.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"agentcore/runtime/agent/chat"
	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/telemetry"
)

// Store is the SQLite-backed persisted state. All goroutines serialize
// through a single connection, eliminating SQLITE_BUSY errors from
// concurrent writers.
type Store struct {
	db  *sql.DB
	log telemetry.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New opens (or creates) the database at dbPath.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: telemetry.NoopLogger{}}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init enables WAL mode and creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			stop_reason TEXT,
			turns INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_uuid TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message_id TEXT,
			timestamp INTEGER NOT NULL,
			data TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS events_session_seq ON events(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			cron TEXT NOT NULL,
			payload TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// EnsureConversation creates the conversation row if it does not exist yet.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, userID string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, userID, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: ensure conversation: %w", err)
	}
	return nil
}

// AppendMessage persists one conversation message.
func (s *Store) AppendMessage(ctx context.Context, conversationID, messageID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		messageID, conversationID, role, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", err)
	}
	return nil
}

// StoredMessage is one persisted conversation message.
type StoredMessage struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// ListMessages returns a conversation's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SessionRow is the session row the core writes (spec §6.3).
type SessionRow struct {
	ID             string
	ConversationID string
	UserID         string
	Status         string
	StopReason     string
	Turns          int
	CostUSD        float64
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// UpsertSession writes or updates the session row.
func (s *Store) UpsertSession(ctx context.Context, row SessionRow) error {
	var finished any
	if row.FinishedAt != nil {
		finished = row.FinishedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, conversation_id, user_id, status, stop_reason, turns, cost_usd, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			stop_reason = excluded.stop_reason,
			turns = excluded.turns,
			cost_usd = excluded.cost_usd,
			finished_at = excluded.finished_at`,
		row.ID, row.ConversationID, row.UserID, row.Status, nullable(row.StopReason),
		row.Turns, row.CostUSD, row.StartedAt.Unix(), finished)
	if err != nil {
		return fmt.Errorf("sqlite: upsert session: %w", err)
	}
	return nil
}

// SaveSession adapts the chat façade's SessionRecord onto the session row,
// implementing chat.SessionPersister.
func (s *Store) SaveSession(ctx context.Context, rec chat.SessionRecord) error {
	return s.UpsertSession(ctx, SessionRow{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		UserID:         rec.UserID,
		Status:         rec.Status,
		StopReason:     rec.StopReason,
		Turns:          rec.Turns,
		CostUSD:        rec.CostUSD,
		StartedAt:      rec.StartedAt,
		FinishedAt:     rec.FinishedAt,
	})
}

// AppendEvent durably records one emitted event. Implements the chat
// façade's EventSink.
func (s *Store) AppendEvent(ctx context.Context, evt events.Event) error {
	var data []byte
	if evt.Data != nil {
		var err error
		data, err = json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("sqlite: marshal event data: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_uuid, session_id, seq, type, conversation_id, message_id, timestamp, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventUUID, evt.SessionID, evt.Seq, string(evt.Type), evt.ConversationID,
		nullable(evt.MessageID), evt.Timestamp.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("sqlite: append event: %w", err)
	}
	return nil
}

// StoredEvent is one persisted event envelope; Data is the raw JSON payload.
type StoredEvent struct {
	EventUUID      string
	SessionID      string
	Seq            uint64
	Type           string
	ConversationID string
	MessageID      string
	Timestamp      time.Time
	Data           json.RawMessage
}

// ListEvents returns a session's events with seq > afterSeq, in seq order,
// backing audit queries and replay beyond the broadcaster's in-memory
// window.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq uint64) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_uuid, session_id, seq, type, conversation_id, COALESCE(message_id, ''), timestamp, COALESCE(data, '')
		 FROM events WHERE session_id = ? AND seq > ? ORDER BY seq`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var ts int64
		var data string
		if err := rows.Scan(&e.EventUUID, &e.SessionID, &e.Seq, &e.Type, &e.ConversationID, &e.MessageID, &ts, &data); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		if data != "" {
			e.Data = json.RawMessage(data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
