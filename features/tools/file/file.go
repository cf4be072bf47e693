// Package file provides the built-in file tools: read, write, delete, and
// rename. The mutating tools declare mutation plans so the tool executor
// captures pre-mutation snapshots and records undoable operations before the
// first byte changes (spec §3 invariant, §4.2/§4.3).
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agentcore/runtime/agent/snapshot"
	"agentcore/runtime/agent/tools"
)

type pathInput struct {
	Path string `json:"path"`
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type renameInput struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Specs returns the file toolset. Register the returned specs on the
// process's tool registry.
func Specs() []tools.Spec {
	return []tools.Spec{readSpec(), writeSpec(), deleteSpec(), renameSpec()}
}

func readSpec() tools.Spec {
	return tools.Spec{
		Name:        "file.read",
		Description: "Reads a UTF-8 text file and returns its content.",
		InputSchema: json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string","minLength":1}}}`),
		Timeout:     10 * time.Second,
		Handler: func(_ context.Context, input json.RawMessage) (any, error) {
			var req pathInput
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, err
			}
			data, err := os.ReadFile(req.Path)
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": req.Path, "content": string(data)}, nil
		},
	}
}

func writeSpec() tools.Spec {
	return tools.Spec{
		Name:         "file.write",
		Description:  "Writes content to a file, creating it if necessary.",
		InputSchema:  json.RawMessage(`{"type":"object","required":["path","content"],"properties":{"path":{"type":"string","minLength":1},"content":{"type":"string"}}}`),
		MutatesFiles: true,
		Timeout:      10 * time.Second,
		PlanMutation: func(input json.RawMessage) (tools.MutationPlan, error) {
			var req writeInput
			if err := json.Unmarshal(input, &req); err != nil {
				return tools.MutationPlan{}, err
			}
			abs, err := filepath.Abs(req.Path)
			if err != nil {
				return tools.MutationPlan{}, err
			}
			kind := string(snapshot.KindFileWrite)
			if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
				kind = string(snapshot.KindFileCreate)
			}
			return tools.MutationPlan{Kind: kind, Targets: []string{abs}}, nil
		},
		Handler: func(_ context.Context, input json.RawMessage) (any, error) {
			var req writeInput
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"path": req.Path, "bytes": len(req.Content)}, nil
		},
	}
}

func deleteSpec() tools.Spec {
	return tools.Spec{
		Name:                 "file.delete",
		Description:          "Deletes a file. Requires user confirmation.",
		InputSchema:          json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string","minLength":1}}}`),
		MutatesFiles:         true,
		RequiresConfirmation: true,
		Timeout:              10 * time.Second,
		PlanMutation: func(input json.RawMessage) (tools.MutationPlan, error) {
			var req pathInput
			if err := json.Unmarshal(input, &req); err != nil {
				return tools.MutationPlan{}, err
			}
			abs, err := filepath.Abs(req.Path)
			if err != nil {
				return tools.MutationPlan{}, err
			}
			return tools.MutationPlan{Kind: string(snapshot.KindFileDelete), Targets: []string{abs}}, nil
		},
		Handler: func(_ context.Context, input json.RawMessage) (any, error) {
			var req pathInput
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, err
			}
			if err := os.Remove(req.Path); err != nil {
				return nil, err
			}
			return map[string]any{"path": req.Path, "deleted": true}, nil
		},
	}
}

func renameSpec() tools.Spec {
	return tools.Spec{
		Name:         "file.rename",
		Description:  "Renames or moves a file.",
		InputSchema:  json.RawMessage(`{"type":"object","required":["from","to"],"properties":{"from":{"type":"string","minLength":1},"to":{"type":"string","minLength":1}}}`),
		MutatesFiles: true,
		Timeout:      10 * time.Second,
		PlanMutation: func(input json.RawMessage) (tools.MutationPlan, error) {
			var req renameInput
			if err := json.Unmarshal(input, &req); err != nil {
				return tools.MutationPlan{}, err
			}
			from, err := filepath.Abs(req.From)
			if err != nil {
				return tools.MutationPlan{}, err
			}
			to, err := filepath.Abs(req.To)
			if err != nil {
				return tools.MutationPlan{}, err
			}
			// The rename target is the post-mutation path; the pre-rename
			// path is what rollback restores to.
			return tools.MutationPlan{Kind: string(snapshot.KindFileRename), Targets: []string{to}, OldPath: from}, nil
		},
		Handler: func(_ context.Context, input json.RawMessage) (any, error) {
			var req renameInput
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(req.To), 0o755); err != nil {
				return nil, err
			}
			if err := os.Rename(req.From, req.To); err != nil {
				return nil, err
			}
			return map[string]any{"from": req.From, "to": req.To}, nil
		},
	}
}

// Register adds the file toolset to reg.
func Register(reg *tools.Registry) error {
	for _, spec := range Specs() {
		if err := reg.Register(spec); err != nil {
			return fmt.Errorf("file tools: %w", err)
		}
	}
	return nil
}
