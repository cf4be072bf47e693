package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := NewStore(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	return st
}

func TestEnsureCapturedIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ctx := context.Background()
	require.NoError(t, st.EnsureCaptured(ctx, "s1", path))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	require.NoError(t, st.EnsureCaptured(ctx, "s1", path))

	abs, _ := filepath.Abs(path)
	st.mu.Lock()
	state := st.snapshots["s1"].Files[abs]
	st.mu.Unlock()
	require.Equal(t, "v1", string(state.OriginalBytes))
}

func TestRollbackRestoresWrittenFile(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ctx := context.Background()
	require.NoError(t, st.EnsureCaptured(ctx, "s1", path))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	abs, _ := filepath.Abs(path)
	opID := uuid.NewString()
	require.NoError(t, st.Record(ctx, "s1", OperationRecord{
		ID:      opID,
		Kind:    KindFileWrite,
		Targets: []string{abs},
	}))

	outcomes, err := st.Rollback(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Restored)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
}

func TestRollbackUndoesFileCreateByDeleting(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "new.txt")

	ctx := context.Background()
	require.NoError(t, st.EnsureCaptured(ctx, "s1", path))
	require.NoError(t, os.WriteFile(path, []byte("created"), 0o644))

	abs, _ := filepath.Abs(path)
	require.NoError(t, st.Record(ctx, "s1", OperationRecord{
		ID:      uuid.NewString(),
		Kind:    KindFileCreate,
		Targets: []string{abs},
	}))

	outcomes, err := st.Rollback(ctx, "s1")
	require.NoError(t, err)
	require.True(t, outcomes[0].Restored)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestCommitDropsSnapshot(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ctx := context.Background()
	require.NoError(t, st.EnsureCaptured(ctx, "s1", path))
	require.NoError(t, st.Commit(ctx, "s1"))

	st.mu.Lock()
	_, ok := st.snapshots["s1"]
	st.mu.Unlock()
	require.False(t, ok)
}
