package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// SnapshotCapturer is implemented by the snapshot store. The executor
	// calls EnsureCaptured with every planned target before running any tool
	// with MutatesFiles set, so a rollback can always restore pre-mutation
	// state (spec §4.2).
	SnapshotCapturer interface {
		EnsureCaptured(ctx context.Context, sessionID string, paths ...string) error
	}

	// OperationRecorder appends a successful mutation to the session's
	// operation log so selective rollback can undo it later.
	OperationRecorder interface {
		RecordOperation(ctx context.Context, sessionID, operationID, toolUseID string, plan MutationPlan) error
	}

	// Confirmer gates a tool invocation on human approval when the tool (or
	// the session's auto-approve policy) requires it.
	Confirmer interface {
		Confirm(ctx context.Context, sessionID string, inv Invocation) (approved bool, err error)
	}

	// Lifecycle receives executor-emitted lifecycle notifications so the
	// EventBroadcaster can turn them into wire events.
	Lifecycle interface {
		ToolStarted(sessionID string, inv Invocation)
		ToolCompleted(sessionID string, res Result)
		ToolConfirmationRequested(sessionID string, inv Invocation)
	}

	// Executor validates, confirms, snapshots, and runs tool invocations
	// against a Registry.
	Executor struct {
		registry  *Registry
		snapshots SnapshotCapturer
		recorder  OperationRecorder
		confirmer Confirmer
		lifecycle Lifecycle
		timeout   time.Duration
	}
)

// ErrConfirmationDenied is returned when a human operator rejects a
// confirmation-gated tool invocation.
var ErrConfirmationDenied = errors.New("tools: confirmation denied")

// DefaultTimeout bounds a tool invocation when neither the Spec nor the
// Executor configuration sets one.
const DefaultTimeout = 2 * time.Minute

// NewExecutor builds an Executor. snapshots, recorder, and confirmer may be
// nil, in which case mutation snapshots, operation recording, and
// confirmation gating are skipped (suitable for tests).
func NewExecutor(registry *Registry, snapshots SnapshotCapturer, recorder OperationRecorder, confirmer Confirmer, lifecycle Lifecycle) *Executor {
	return &Executor{
		registry:  registry,
		snapshots: snapshots,
		recorder:  recorder,
		confirmer: confirmer,
		lifecycle: lifecycle,
		timeout:   DefaultTimeout,
	}
}

// Execute validates inv against the registered tool's schema, optionally
// gates it on human confirmation, snapshots the planned mutation targets,
// runs the handler with a bounded timeout, and records the operation for
// rollback on success.
func (e *Executor) Execute(ctx context.Context, sessionID, operationID string, inv Invocation) Result {
	start := time.Now()
	if e.lifecycle != nil {
		e.lifecycle.ToolStarted(sessionID, inv)
	}

	spec, ok := e.registry.Lookup(inv.Name)
	if !ok {
		return e.complete(sessionID, errResult(inv, start, fmt.Errorf("%w: %s", ErrNotFound, inv.Name)))
	}

	if err := e.registry.Validate(inv.Name, inv.Payload); err != nil {
		return e.complete(sessionID, errResult(inv, start, fmt.Errorf("%w: %v", ErrInvalidInput, err)))
	}

	if spec.RequiresConfirmation && e.confirmer != nil {
		if e.lifecycle != nil {
			e.lifecycle.ToolConfirmationRequested(sessionID, inv)
		}
		approved, err := e.confirmer.Confirm(ctx, sessionID, inv)
		if err != nil {
			return e.complete(sessionID, errResult(inv, start, err))
		}
		if !approved {
			return e.complete(sessionID, errResult(inv, start, ErrConfirmationDenied))
		}
	}

	var plan MutationPlan
	if spec.MutatesFiles {
		if spec.PlanMutation != nil {
			var err error
			plan, err = spec.PlanMutation(inv.Payload)
			if err != nil {
				return e.complete(sessionID, errResult(inv, start, fmt.Errorf("tools: %s: probe mutation targets: %w", inv.Name, err)))
			}
		}
		if e.snapshots != nil {
			targets := plan.Targets
			if plan.OldPath != "" {
				targets = append(append([]string(nil), targets...), plan.OldPath)
			}
			if err := e.snapshots.EnsureCaptured(ctx, sessionID, targets...); err != nil {
				return e.complete(sessionID, errResult(inv, start, fmt.Errorf("tools: snapshot before mutation: %w", err)))
			}
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := spec.Handler(callCtx, inv.Payload)
	res := Result{ID: inv.ID, Name: inv.Name, Duration: time.Since(start)}
	if err != nil {
		res.IsError = true
		res.Output = errorPayload(err)
		res.Err = err
		return e.complete(sessionID, res)
	}

	res.Output = output
	if b, ok := output.(BoundedResult); ok {
		bounds := b.Bounds()
		res.Bounds = &bounds
	}
	if spec.MutatesFiles && e.recorder != nil && len(plan.Targets) > 0 {
		if err := e.recorder.RecordOperation(ctx, sessionID, operationID, inv.ID, plan); err != nil {
			res.IsError = true
			res.Output = errorPayload(fmt.Errorf("tools: record operation: %w", err))
		}
	}
	return e.complete(sessionID, res)
}

func (e *Executor) complete(sessionID string, res Result) Result {
	if e.lifecycle != nil {
		e.lifecycle.ToolCompleted(sessionID, res)
	}
	return res
}

func errResult(inv Invocation, start time.Time, err error) Result {
	return Result{
		ID:       inv.ID,
		Name:     inv.Name,
		IsError:  true,
		Output:   errorPayload(err),
		Duration: time.Since(start),
		Err:      err,
	}
}

func errorPayload(err error) map[string]any {
	if errors.Is(err, ErrConfirmationDenied) {
		return map[string]any{"error": "user_rejected"}
	}
	return map[string]any{"error": err.Error()}
}
