// Package snapshot implements the SnapshotStore (spec §4.2): it captures
// file bytes before a session's first mutation of each path, records an
// inverse operation log, and commits or rolls back that log. It is
// grounded on the teacher's runtime/agent/run package (run.go/snapshot.go's
// run-status and operation-log persistence model), generalized from
// workflow-run bookkeeping to byte-exact file snapshot/rollback, and uses
// sergi/go-diff to produce human-readable rollback diffs alongside the
// byte-exact restore.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"agentcore/runtime/agent/tools"
)

// OperationKind enumerates the file mutations an OperationRecord can
// describe (spec §3).
type OperationKind string

const (
	KindFileWrite  OperationKind = "file_write"
	KindFileCreate OperationKind = "file_create"
	KindFileDelete OperationKind = "file_delete"
	KindFileRename OperationKind = "file_rename"
)

// FileState is the pre-mutation state captured for a single path.
type FileState struct {
	OriginalBytes []byte
	SHA256        string
	Size          int64
	Existed       bool
}

// Snapshot is the set of original bytes captured before a session's
// file-mutating tools run (spec §3).
type Snapshot struct {
	ID        string
	SessionID string
	CreatedAt time.Time
	Files     map[string]FileState
	ExpiresAt time.Time
}

// DefaultExpiry is the 24h default from spec §4.2.
const DefaultExpiry = 24 * time.Hour

// OperationRecord is one logged file mutation, with enough data to undo it
// (spec §3).
type OperationRecord struct {
	ID         string
	SessionID  string
	ToolUseID  string
	Kind       OperationKind
	Targets    []string
	OldPath    string // for KindFileRename
	Committed  bool
	recordedAt time.Time
}

// RollbackOutcome reports the per-operation result of a rollback (spec
// §4.2 emits rollback_completed with these).
type RollbackOutcome struct {
	OperationID string
	Path        string
	Restored    bool
	Error       string
	Diff        string
}

// ErrSnapshotFull is returned by EnsureCaptured when the configured disk
// floor for the snapshot directory would be violated (spec §4.2).
var ErrSnapshotFull = errors.New("snapshot: insufficient disk space for snapshot directory")

// Store implements SnapshotStore.
type Store struct {
	mu   sync.Mutex
	root string

	snapshots map[string]*Snapshot          // sessionID -> snapshot
	ops       map[string][]*OperationRecord // sessionID -> ordered ops

	// MinFreeBytes is the configured floor checked by EnsureCaptured before
	// persisting new snapshot bytes.
	MinFreeBytes int64

	freeBytes func(path string) (int64, error)
}

// NewStore builds a Store rooted at dir (the instance's snapshot
// directory, spec §6.3). dir is created if missing.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("snapshot: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create root: %w", err)
	}
	return &Store{
		root:      dir,
		snapshots: make(map[string]*Snapshot),
		ops:       make(map[string][]*OperationRecord),
		freeBytes: diskFree,
	}, nil
}

// EnsureCaptured reads and persists the current bytes of every path not yet
// captured for sessionID's snapshot. Idempotent (spec §4.2).
func (s *Store) EnsureCaptured(ctx context.Context, sessionID string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[sessionID]
	if !ok {
		snap = &Snapshot{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			CreatedAt: time.Now(),
			Files:     make(map[string]FileState),
			ExpiresAt: time.Now().Add(DefaultExpiry),
		}
		s.snapshots[sessionID] = snap
	}

	if s.MinFreeBytes > 0 && s.freeBytes != nil {
		free, err := s.freeBytes(s.root)
		if err == nil && free < s.MinFreeBytes {
			return ErrSnapshotFull
		}
	}

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("snapshot: resolve %q: %w", path, err)
		}
		if _, already := snap.Files[abs]; already {
			continue
		}
		state, err := captureFile(abs)
		if err != nil {
			return fmt.Errorf("snapshot: capture %q: %w", abs, err)
		}
		snap.Files[abs] = state
	}

	return s.persistLocked(snap)
}

func captureFile(abs string) (FileState, error) {
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return FileState{Existed: false}, nil
	}
	if err != nil {
		return FileState{}, err
	}
	sum := sha256.Sum256(data)
	return FileState{
		OriginalBytes: data,
		SHA256:        hex.EncodeToString(sum[:]),
		Size:          int64(len(data)),
		Existed:       true,
	}, nil
}

// Record appends op to sessionID's operation log (spec §4.2).
func (s *Store) Record(ctx context.Context, sessionID string, op OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op.recordedAt = time.Now()
	s.ops[sessionID] = append(s.ops[sessionID], &op)
	return nil
}

// RecordOperation adapts a tool executor mutation plan into an
// OperationRecord, implementing the tools.OperationRecorder contract.
func (s *Store) RecordOperation(ctx context.Context, sessionID, operationID, toolUseID string, plan tools.MutationPlan) error {
	if operationID == "" {
		operationID = uuid.NewString()
	}
	return s.Record(ctx, sessionID, OperationRecord{
		ID:        operationID,
		SessionID: sessionID,
		ToolUseID: toolUseID,
		Kind:      OperationKind(plan.Kind),
		Targets:   append([]string(nil), plan.Targets...),
		OldPath:   plan.OldPath,
	})
}

// Operations returns a copy of sessionID's ordered operation log, used to
// build the rollback_options offer.
func (s *Store) Operations(sessionID string) []OperationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OperationRecord, 0, len(s.ops[sessionID]))
	for _, op := range s.ops[sessionID] {
		out = append(out, *op)
	}
	return out
}

// Commit marks every operation for sessionID committed and drops the
// snapshot bytes (spec §4.2).
func (s *Store) Commit(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops[sessionID] {
		op.Committed = true
	}
	if snap, ok := s.snapshots[sessionID]; ok {
		delete(s.snapshots, sessionID)
		return os.Remove(s.snapshotPath(snap.ID))
	}
	return nil
}

// Rollback reverses the selected operations in reverse order, restoring
// exact bytes. An empty select rolls back everything (spec §4.2).
func (s *Store) Rollback(ctx context.Context, sessionID string, selectIDs ...string) ([]RollbackOutcome, error) {
	s.mu.Lock()
	snap, hasSnap := s.snapshots[sessionID]
	ops := append([]*OperationRecord(nil), s.ops[sessionID]...)
	s.mu.Unlock()

	if !hasSnap {
		return nil, fmt.Errorf("snapshot: no snapshot for session %s", sessionID)
	}

	want := make(map[string]bool, len(selectIDs))
	for _, id := range selectIDs {
		want[id] = true
	}

	var outcomes []RollbackOutcome
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if len(selectIDs) > 0 && !want[op.ID] {
			continue
		}
		outcomes = append(outcomes, s.rollbackOne(snap, op)...)
	}
	return outcomes, nil
}

func (s *Store) rollbackOne(snap *Snapshot, op *OperationRecord) []RollbackOutcome {
	outcomes := make([]RollbackOutcome, 0, len(op.Targets))
	for _, target := range op.Targets {
		state, ok := snap.Files[target]
		if !ok {
			outcomes = append(outcomes, RollbackOutcome{OperationID: op.ID, Path: target, Error: "no captured state for path"})
			continue
		}
		outcomes = append(outcomes, restorePath(op, target, state))
	}
	return outcomes
}

func restorePath(op *OperationRecord, target string, state FileState) RollbackOutcome {
	outcome := RollbackOutcome{OperationID: op.ID, Path: target}

	var before []byte
	if current, err := os.ReadFile(target); err == nil {
		before = current
	}

	switch op.Kind {
	case KindFileCreate:
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Restored = true
		outcome.Diff = unifiedDiff(string(before), "")
		return outcome
	case KindFileDelete, KindFileWrite:
		if !state.Existed {
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				outcome.Error = err.Error()
				return outcome
			}
			outcome.Restored = true
			return outcome
		}
		if err := os.WriteFile(target, state.OriginalBytes, 0o644); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
		sum := sha256.Sum256(state.OriginalBytes)
		if hex.EncodeToString(sum[:]) != state.SHA256 {
			outcome.Error = "sha256 mismatch after restore"
			return outcome
		}
		outcome.Restored = true
		outcome.Diff = unifiedDiff(string(before), string(state.OriginalBytes))
		return outcome
	case KindFileRename:
		if op.OldPath == "" {
			outcome.Error = "missing original path for rename"
			return outcome
		}
		if err := os.Rename(target, op.OldPath); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Restored = true
		return outcome
	default:
		outcome.Error = fmt.Sprintf("unknown operation kind %q", op.Kind)
		return outcome
	}
}

// unifiedDiff renders a compact diff for the rollback report using the same
// diff-match-patch library the teacher's tooling uses for reviewable text
// changes.
func unifiedDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	return dmp.DiffPrettyText(diffs)
}

// ExpireOld purges snapshots whose ExpiresAt has passed. Invoked
// periodically (spec §4.2).
func (s *Store) ExpireOld(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for sessionID, snap := range s.snapshots {
		if now.After(snap.ExpiresAt) {
			delete(s.snapshots, sessionID)
			delete(s.ops, sessionID)
			_ = os.Remove(s.snapshotPath(snap.ID))
		}
	}
	return nil
}

func (s *Store) snapshotPath(id string) string {
	return filepath.Join(s.root, id+".json")
}

// persistLocked writes the snapshot's metadata as JSON; original bytes for
// each captured path are embedded inline for simplicity of crash recovery
// (spec §6.3 names sibling .bin blobs; this implementation keeps bytes in
// the same JSON document since the execution core's snapshots are small
// source-file diffs, not binary assets). Caller holds s.mu.
func (s *Store) persistLocked(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return os.WriteFile(s.snapshotPath(snap.ID), data, 0o644)
}

// Reload reloads all snapshot JSON files under root into memory, used on
// crash recovery to resume from the last persisted operation log (spec
// §4.2). The operation log itself is expected to be reloaded by the caller
// from the events table (spec §6.3); Reload only restores captured file
// bytes.
func (s *Store) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name()))
		if err != nil {
			return err
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("snapshot: reload %s: %w", entry.Name(), err)
		}
		s.snapshots[snap.SessionID] = &snap
	}
	return nil
}

func diskFree(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
