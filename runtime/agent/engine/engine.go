// Package engine abstracts how a session's executor loop is scheduled. The
// chat façade starts each session as a "workflow" through the Engine
// interface so the cooperative in-memory scheduler this repository ships
// (see inmem) could later be swapped for a durable, replay-safe backend
// without touching the loop itself.
package engine

import (
	"context"
	"errors"
	"time"

	"agentcore/runtime/agent/telemetry"
)

// RunStatus is the lifecycle state of a workflow as tracked by the engine.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// ErrWorkflowNotFound is returned by QueryRunStatus when the engine has no
// record of the given run.
var ErrWorkflowNotFound = errors.New("engine: run not found")

type (
	// Engine registers and starts workflows. Implementations translate
	// these generic types into backend-specific primitives; callers never
	// depend on which backend is active.
	Engine interface {
		// RegisterWorkflow binds a workflow definition to its name, during
		// process initialization before any StartWorkflow call. Duplicate
		// names fail.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity binds an activity definition. Activities are the
		// short-lived, side-effecting tasks workflows schedule.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches an execution and returns a handle to it.
		// The ID must be unique for the engine instance; sessions use their
		// session id.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus reports the lifecycle status of a started
		// workflow, or ErrWorkflowNotFound.
		QueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	}

	// WorkflowDefinition binds a handler to a logical name and queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. Under a durable backend it
	// must be deterministic: same inputs and activity results, same
	// execution sequence.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext is the engine-facing API available inside a workflow:
	// activity scheduling, signal delivery, scoped observability, and a
	// replay-safe clock.
	//
	// It is bound to one execution and must not be shared across
	// goroutines; activity and signal operations are serialized by the
	// engine. Direct I/O, randomness, or wall-clock reads inside a workflow
	// break determinism under replay-safe backends — the session loop keeps
	// its side effects in activities and the tool executor for this reason.
	WorkflowContext interface {
		// Context returns the Go context for the workflow, used for
		// cancellation propagation.
		Context() context.Context

		// WorkflowID returns the unique identifier for this execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier for correlation.
		RunID() string

		// ExecuteActivity schedules an activity and blocks for its result,
		// decoded into result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking,
		// returning a Future for parallel execution. Scheduling errors
		// return immediately; execution errors come from Future.Get.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for a named signal, the
		// delivery path for externally injected events (stop, HITL
		// responses) under a durable backend.
		SignalChannel(name string) SignalChannel

		// Logger, Metrics, and Tracer are scoped to this execution.
		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer

		// Now returns the workflow time from a replay-safe source.
		Now() time.Time
	}

	// Future is a pending activity result. Get blocks until the activity
	// completes and may be called repeatedly, returning the same outcome.
	// IsReady allows polling without blocking.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with defaults.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles one activity invocation. Unlike workflows,
	// activities may perform side effects.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures queue, retries, and timeout for an
	// activity. Zero values inherit engine defaults.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes one workflow launch.
	WorkflowStartRequest struct {
		// ID is the unique workflow identifier (the session id).
		ID string

		// Workflow names the registered definition to run.
		Workflow string

		// TaskQueue overrides the definition's queue when set.
		TaskQueue string

		// Input is handed to the workflow handler verbatim.
		Input any

		// Memo and SearchAttributes carry small diagnostic payloads for
		// backends with visibility stores; the in-memory engine ignores
		// them.
		Memo             map[string]any
		SearchAttributes map[string]any

		// RetryPolicy governs restarts of the start attempt itself, not
		// activity retries.
		RetryPolicy RetryPolicy
	}

	// ActivityRequest schedules one activity from inside a workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers outside the workflow wait for, signal, or
	// cancel a running execution.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, decoding its return
		// value into result.
		Wait(ctx context.Context, result any) error

		// Signal delivers an asynchronous message to the workflow. Fails if
		// the workflow already completed.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation; in-flight activities may be
		// cancelled depending on the backend.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy is the retry shape shared by workflows and activities.
	// Zero values mean engine defaults.
	RetryPolicy struct {
		// MaxAttempts caps total attempts; zero means unlimited.
		MaxAttempts int

		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration

		// BackoffCoefficient multiplies the delay after each retry; values
		// below 1 behave as constant backoff.
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way, with
	// blocking and non-blocking receives.
	SignalChannel interface {
		// Receive blocks until a signal arrives and decodes it into dest,
		// honoring ctx where the backend supports it.
		Receive(ctx context.Context, dest any) error

		// ReceiveAsync receives without blocking, reporting whether dest
		// was written.
		ReceiveAsync(dest any) bool
	}
)
