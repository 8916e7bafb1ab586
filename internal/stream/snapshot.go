package stream

import (
	"encoding/json"
	"time"

	"github.com/atelier-ai/atelier/pkg/types"
)

// Phase is the lifecycle state of a session stream.
type Phase string

const (
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
	PhaseStopped   Phase = "stopped"
)

// Terminal reports whether the phase admits no further events.
func (p Phase) Terminal() bool {
	return p != PhaseActive
}

// ToolUse is one observed tool invocation.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is one observed tool result, keyed by the tool_use id it
// references.
type ToolResult struct {
	ToolUseID string `json:"toolUseID"`
	Content   string `json:"content"`
}

// TaskUpdate is the latest producer-reported subtask state.
type TaskUpdate struct {
	Description string `json:"description"`
	State       string `json:"state"`
}

// Snapshot is the authoritative state of one session's stream at a point in
// time. Snapshots are immutable once emitted: the reducer returns a fresh
// value for every change and never aliases a previous snapshot's slices, so
// subscribers observe monotonically non-decreasing state.
type Snapshot struct {
	SessionID string `json:"sessionID"`
	Phase     Phase  `json:"phase"`

	// Seq increases with every state change; equal Seq means equal state.
	Seq uint64 `json:"seq"`

	Text        string       `json:"text"`
	ToolUses    []ToolUse    `json:"toolUses,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`

	// Blocks preserves the exact interleaving of text and tool activity,
	// the source of truth for FinalContent.
	Blocks []types.ContentBlock `json:"blocks,omitempty"`

	ToolOutput   string              `json:"toolOutput,omitempty"`
	ToolProgress *ToolProgressMarker `json:"toolProgress,omitempty"`
	Status       string              `json:"status,omitempty"`

	PendingPermission    *PermissionRequestEvent `json:"pendingPermission,omitempty"`
	PermissionResolution types.Decision          `json:"permissionResolution,omitempty"`
	// PermissionConflicts counts permission requests discarded because one
	// was already pending. The producer is expected to keep this at zero.
	PermissionConflicts int `json:"permissionConflicts,omitempty"`

	Mode string      `json:"mode,omitempty"`
	Task *TaskUpdate `json:"task,omitempty"`

	Usage *types.TokenUsage `json:"usage,omitempty"`
	// ResultSeen records that a result event arrived. A stream may close
	// right after result without a trailing done; that still counts as a
	// normal completion.
	ResultSeen  bool   `json:"resultSeen,omitempty"`
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`
	Error       string `json:"error,omitempty"`

	// FinalContent is non-nil exactly when Phase is terminal.
	FinalContent *types.MessageContent `json:"finalContent,omitempty"`
}

// NewSnapshot creates the initial snapshot for a session.
func NewSnapshot(sessionID string) Snapshot {
	return Snapshot{
		SessionID: sessionID,
		Phase:     PhaseActive,
		StartedAt: time.Now().UnixMilli(),
	}
}

// appendCopy appends without aliasing the input slice.
func appendCopy[T any](s []T, v T) []T {
	out := make([]T, len(s)+1)
	copy(out, s)
	out[len(s)] = v
	return out
}
