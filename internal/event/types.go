package event

import "github.com/atelier-ai/atelier/pkg/types"

// SnapshotUpdatedData is the data for session.snapshot events. Snapshot is
// the stream package's snapshot value; it crosses the bus as an opaque
// payload so the event package does not depend on the stream package.
type SnapshotUpdatedData struct {
	SessionID string `json:"sessionID"`
	Snapshot  any    `json:"snapshot"`
}

// SessionTerminalData is the data for session.terminal events, published
// exactly once per session stream.
type SessionTerminalData struct {
	SessionID string `json:"sessionID"`
	Phase     string `json:"phase"` // completed | error | stopped
	Error     string `json:"error,omitempty"`
}

// PermissionRequestedData is the data for permission.requested events.
type PermissionRequestedData struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionID"`
	ToolName    string `json:"toolName"`
	Title       string `json:"title,omitempty"`
	BlockedPath string `json:"blockedPath,omitempty"`
}

// PermissionRepliedData is the data for permission.replied events.
type PermissionRepliedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Decision  string `json:"decision"` // allow | deny
}

// JobUpdatedData is the data for job.updated events. Job is a copy of the
// record at publish time; the engine keeps mutating its own.
type JobUpdatedData struct {
	Job types.MediaJob `json:"job"`
}

// JobProgressedData is the data for job.progress events.
type JobProgressedData struct {
	Progress types.JobProgress `json:"progress"`
}
