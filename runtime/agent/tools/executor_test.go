package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoSpec(t *testing.T) Spec {
	t.Helper()
	return Spec{
		Name:        "svc.echo",
		Description: "echoes its input",
		InputSchema: json.RawMessage(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`),
		Handler: func(_ context.Context, input json.RawMessage) (any, error) {
			var req struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, err
			}
			return req.Text, nil
		},
	}
}

func TestExecutorValidatesInput(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoSpec(t)))
	exec := NewExecutor(reg, nil, nil, nil, nil)

	res := exec.Execute(context.Background(), "sess-1", "op-1", Invocation{
		ID:      "call-1",
		Name:    "svc.echo",
		Payload: json.RawMessage(`{}`),
	})
	require.True(t, res.IsError)
}

func TestExecutorRunsHandler(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoSpec(t)))
	exec := NewExecutor(reg, nil, nil, nil, nil)

	res := exec.Execute(context.Background(), "sess-1", "op-1", Invocation{
		ID:      "call-1",
		Name:    "svc.echo",
		Payload: json.RawMessage(`{"text":"hi"}`),
	})
	require.False(t, res.IsError)
	require.Equal(t, "hi", res.Output)
}

func TestExecutorRejectsUnknownTool(t *testing.T) {
	reg := NewRegistry()
	exec := NewExecutor(reg, nil, nil, nil, nil)

	res := exec.Execute(context.Background(), "sess-1", "op-1", Invocation{
		ID:   "call-1",
		Name: "svc.missing",
	})
	require.True(t, res.IsError)
}

type denyingConfirmer struct{}

func (denyingConfirmer) Confirm(context.Context, string, Invocation) (bool, error) { return false, nil }

func TestExecutorHonorsConfirmationDenial(t *testing.T) {
	reg := NewRegistry()
	spec := echoSpec(t)
	spec.RequiresConfirmation = true
	require.NoError(t, reg.Register(spec))
	exec := NewExecutor(reg, nil, nil, denyingConfirmer{}, nil)

	res := exec.Execute(context.Background(), "sess-1", "op-1", Invocation{
		ID:      "call-1",
		Name:    "svc.echo",
		Payload: json.RawMessage(`{"text":"hi"}`),
	})
	require.True(t, res.IsError)
	require.Equal(t, map[string]any{"error": "user_rejected"}, res.Output)
}

type captureRecorder struct {
	captured []string
	recorded []MutationPlan
}

func (c *captureRecorder) EnsureCaptured(_ context.Context, _ string, paths ...string) error {
	c.captured = append(c.captured, paths...)
	return nil
}

func (c *captureRecorder) RecordOperation(_ context.Context, _, _, _ string, plan MutationPlan) error {
	c.recorded = append(c.recorded, plan)
	return nil
}

func TestExecutorSnapshotsAndRecordsMutations(t *testing.T) {
	reg := NewRegistry()
	spec := Spec{
		Name:         "fs.write",
		Description:  "writes a file",
		MutatesFiles: true,
		PlanMutation: func(input json.RawMessage) (MutationPlan, error) {
			var req struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(input, &req); err != nil {
				return MutationPlan{}, err
			}
			return MutationPlan{Kind: "file_write", Targets: []string{req.Path}}, nil
		},
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"written": true}, nil
		},
	}
	require.NoError(t, reg.Register(spec))

	rec := &captureRecorder{}
	exec := NewExecutor(reg, rec, rec, nil, nil)

	res := exec.Execute(context.Background(), "sess-1", "op-1", Invocation{
		ID:      "call-1",
		Name:    "fs.write",
		Payload: json.RawMessage(`{"path":"/tmp/x.txt"}`),
	})
	require.False(t, res.IsError)
	require.Equal(t, []string{"/tmp/x.txt"}, rec.captured)
	require.Len(t, rec.recorded, 1)
	require.Equal(t, "file_write", rec.recorded[0].Kind)
}
