package inmem

import (
	"context"
	"testing"
	"time"

	"agentcore/runtime/agent/engine"
)

func TestActivityExecution(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "echo_tool",
		Handler: func(_ context.Context, input any) (any, error) {
			return input, nil
		},
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			var out string
			if err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
				Name:  "echo_tool",
				Input: "hello",
			}, &out); err != nil {
				return nil, err
			}
			if out != "hello" {
				t.Errorf("expected echo, got %q", out)
			}
			return "done", nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "session-1",
		Workflow: "test_workflow",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	var result string
	if err := handle.Wait(ctx, &result); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if result != "done" {
		t.Errorf("unexpected result: %q", result)
	}

	status, err := eng.QueryRunStatus(ctx, "session-1")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != engine.RunStatusCompleted {
		t.Errorf("expected completed, got %s", status)
	}
}

func TestSignalDelivery(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type pauseRequest struct {
		Reason string
	}

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, _ any) (any, error) {
			var req pauseRequest
			if err := wfCtx.SignalChannel("pause").Receive(wfCtx.Context(), &req); err != nil {
				return nil, err
			}
			if req.Reason != "human" {
				t.Errorf("unexpected pause request: %+v", req)
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "session-2",
		Workflow: "test_workflow",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	if err := handle.Signal(ctx, "pause", pauseRequest{Reason: "human"}); err != nil {
		t.Fatalf("signal workflow: %v", err)
	}
	if err := handle.Wait(ctx, nil); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
}
