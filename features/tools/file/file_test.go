package file

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcore/runtime/agent/snapshot"
	"agentcore/runtime/agent/tools"
)

func newExecutor(t *testing.T) (*tools.Executor, *snapshot.Store) {
	t.Helper()
	store, err := snapshot.NewStore(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	reg := tools.NewRegistry()
	require.NoError(t, Register(reg))
	return tools.NewExecutor(reg, store, store, nil, nil), store
}

func TestWriteThenRollbackRestoresBytes(t *testing.T) {
	exec, store := newExecutor(t)
	path := filepath.Join(t.TempDir(), "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	original := sha256.Sum256([]byte("v1"))

	payload, _ := json.Marshal(map[string]string{"path": path, "content": "v2"})
	res := exec.Execute(context.Background(), "sess-1", "op-1", tools.Invocation{
		ID: "tu-1", Name: "file.write", Payload: payload,
	})
	require.False(t, res.IsError)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))

	outcomes, err := store.Rollback(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Restored)

	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, original, sha256.Sum256(restored))
}

func TestCreateThenRollbackDeletes(t *testing.T) {
	exec, store := newExecutor(t)
	path := filepath.Join(t.TempDir(), "new.txt")

	payload, _ := json.Marshal(map[string]string{"path": path, "content": "fresh"})
	res := exec.Execute(context.Background(), "sess-1", "op-1", tools.Invocation{
		ID: "tu-1", Name: "file.write", Payload: payload,
	})
	require.False(t, res.IsError)
	require.FileExists(t, path)

	ops := store.Operations("sess-1")
	require.Len(t, ops, 1)
	require.Equal(t, snapshot.KindFileCreate, ops[0].Kind)

	_, err := store.Rollback(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NoFileExists(t, path)
}

func TestRenameThenRollback(t *testing.T) {
	exec, store := newExecutor(t)
	dir := t.TempDir()
	from := filepath.Join(dir, "a.txt")
	to := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(from, []byte("content"), 0o644))

	payload, _ := json.Marshal(map[string]string{"from": from, "to": to})
	res := exec.Execute(context.Background(), "sess-1", "op-1", tools.Invocation{
		ID: "tu-1", Name: "file.rename", Payload: payload,
	})
	require.False(t, res.IsError)
	require.NoFileExists(t, from)
	require.FileExists(t, to)

	_, err := store.Rollback(context.Background(), "sess-1")
	require.NoError(t, err)
	require.FileExists(t, from)
	require.NoFileExists(t, to)
}

func TestReadTool(t *testing.T) {
	exec, _ := newExecutor(t)
	path := filepath.Join(t.TempDir(), "r.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	payload, _ := json.Marshal(map[string]string{"path": path})
	res := exec.Execute(context.Background(), "sess-1", "op-1", tools.Invocation{
		ID: "tu-1", Name: "file.read", Payload: payload,
	})
	require.False(t, res.IsError)
	out := res.Output.(map[string]any)
	require.Equal(t, "hello", out["content"])
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	for _, spec := range Specs() {
		if spec.Name == "file.delete" {
			require.True(t, spec.RequiresConfirmation)
			return
		}
	}
	t.Fatal("file.delete not found")
}
