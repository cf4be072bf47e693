// Package tools implements the registry and executor for tools the model can
// invoke during a turn: schema-validated invocation, human-in-the-loop
// confirmation for destructive calls, and snapshot-before-mutation hooks.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Ident identifies a tool by its canonical "toolset.tool" name.
type Ident string

func (i Ident) String() string { return string(i) }

// ToolUnavailable is the well-known identifier substituted for a tool_use
// block whose name does not resolve against the current tool configuration
// (for example, a name the model invented, or a tool unregistered through
// Registry.Remove). Provider adapters use it to keep transcript replay
// well-formed instead of erroring out entirely.
const ToolUnavailable Ident = "tool_unavailable"

type (
	// Spec describes a single registered tool: its identity, the schema used
	// to validate model-supplied input, and the handler that executes it.
	Spec struct {
		// Name is the canonical tool identifier, "toolset.tool".
		Name Ident

		// Description is shown to the model so it can decide when to call
		// the tool.
		Description string

		// InputSchema is a JSON Schema (draft 2020-12) document describing
		// the tool's input payload.
		InputSchema json.RawMessage

		// MutatesFiles reports whether invoking the tool can write to the
		// local filesystem. The executor captures a snapshot before running
		// any tool with MutatesFiles set (spec §4.2/§4.3).
		MutatesFiles bool

		// RequiresConfirmation reports whether the tool must be confirmed by
		// the human operator (HITL) before it runs, regardless of session
		// auto-approve settings.
		RequiresConfirmation bool

		// Timeout bounds a single invocation. Zero means the executor's
		// default timeout applies.
		Timeout time.Duration

		// PlanMutation probes the validated input for the concrete file
		// mutation this invocation will perform. Required when MutatesFiles
		// is set: the executor captures a snapshot of every planned target
		// before the handler runs and records the resulting operation so a
		// later rollback can undo it.
		PlanMutation func(input json.RawMessage) (MutationPlan, error)

		// Handler executes the tool given validated input. It must respect
		// ctx cancellation.
		Handler Handler
	}

	// MutationPlan describes the file mutation one invocation will perform:
	// which paths it touches, the operation kind recorded in the operation
	// log, and for renames the pre-rename path.
	MutationPlan struct {
		Kind    string
		Targets []string
		OldPath string
	}

	// Handler executes a tool call and returns a JSON-encodable result or an
	// error. Handlers distinguish Business failures (return a structured
	// error result the model can see) from Infrastructure failures (return a
	// Go error) by the error type they return; see the errors package.
	Handler func(ctx context.Context, input json.RawMessage) (any, error)

	// Invocation is a single requested tool call awaiting or under
	// execution.
	Invocation struct {
		ID      string
		Name    Ident
		Payload json.RawMessage
	}

	// Bounds describes how a tool result has been bounded relative to the
	// full underlying data set, so large results can be truncated without
	// losing the ability to tell the model (and the user) that truncation
	// happened.
	Bounds struct {
		Returned       int
		Total          *int
		Truncated      bool
		RefinementHint string
	}

	// BoundedResult is an optional interface a tool's decoded output may
	// implement to expose Bounds directly instead of the executor inferring
	// truncation heuristically.
	BoundedResult interface {
		Bounds() Bounds
	}

	// Result is the outcome of executing an Invocation. Err carries the
	// underlying Go error for failure classification; it is never put on the
	// wire (Output holds the model-visible payload).
	Result struct {
		ID       string
		Name     Ident
		Output   any
		IsError  bool
		Bounds   *Bounds
		Duration time.Duration
		Err      error
	}
)

var (
	// ErrNotFound is returned when an invocation names a tool that is not in
	// the registry's current configuration.
	ErrNotFound = errors.New("tools: tool not found")

	// ErrDuplicateName is returned when registering a tool whose name
	// already exists.
	ErrDuplicateName = errors.New("tools: duplicate tool name")

	// ErrInvalidInput wraps a JSON Schema validation failure so callers can
	// classify the result as a bad-parameter business error.
	ErrInvalidInput = errors.New("tools: input rejected by schema")
)

// validate checks that a Spec is well-formed before it is added to a
// Registry.
func (s Spec) validate() error {
	if s.Name == "" {
		return errors.New("tools: name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("tools: %s: description is required", s.Name)
	}
	if s.Handler == nil {
		return fmt.Errorf("tools: %s: handler is required", s.Name)
	}
	return nil
}
