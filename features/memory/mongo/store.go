package mongo

import (
	"context"
	"errors"

	clientsmongo "agentcore/features/memory/mongo/clients/mongo"
	"agentcore/runtime/agent/memory"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store adapts the low-level Mongo client to the memory.Store capability
// contract the injector pipeline depends on.
type Store struct {
	client clientsmongo.Client
}

// NewStore wraps an existing client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo builds the underlying client from opts, then wraps it.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// LoadRun returns the memory snapshot for agentID/runID. An empty history is
// a Snapshot carrying agentID/runID with no Events, not an error.
func (s *Store) LoadRun(ctx context.Context, agentID, runID string) (memory.Snapshot, error) {
	return s.client.LoadRun(ctx, agentID, runID)
}

// AppendEvents durably appends events to the run's history. A no-op for an
// empty batch.
func (s *Store) AppendEvents(ctx context.Context, agentID, runID string, events ...memory.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.client.AppendEvents(ctx, agentID, runID, events)
}
