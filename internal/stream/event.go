package stream

import (
	"encoding/json"

	"github.com/atelier-ai/atelier/internal/logging"
)

// Event is one typed event decoded from a producer frame.
type Event interface {
	streamEvent()
}

// TextEvent carries a chunk of assistant text.
type TextEvent struct {
	Text string
}

func (TextEvent) streamEvent() {}

// ToolUseEvent announces a tool invocation.
type ToolUseEvent struct {
	ID    string
	Name  string
	Input json.RawMessage
}

func (ToolUseEvent) streamEvent() {}

// ToolResultEvent carries the result of a tool invocation. The referenced
// tool_use id may not have been observed yet; producer ordering is not
// guaranteed to be strict.
type ToolResultEvent struct {
	ToolUseID string
	Content   string
}

func (ToolResultEvent) streamEvent() {}

// ToolOutputEvent carries streaming tool output, or a progress marker when
// Progress is non-nil.
type ToolOutputEvent struct {
	Output   string
	Progress *ToolProgressMarker
}

func (ToolOutputEvent) streamEvent() {}

// ToolProgressMarker indicates a long-running tool reporting elapsed time.
type ToolProgressMarker struct {
	Tool           string  `json:"tool"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// ToolProgressEvent is a standalone progress report for a running tool.
type ToolProgressEvent struct {
	Tool           string
	ElapsedSeconds float64
}

func (ToolProgressEvent) streamEvent() {}

// ToolTimeoutEvent reports a tool exceeding its time budget. Informational;
// enforcement is the producer's concern.
type ToolTimeoutEvent struct {
	Tool string
}

func (ToolTimeoutEvent) streamEvent() {}

// StatusEvent replaces the session's status line.
type StatusEvent struct {
	Text string
}

func (StatusEvent) streamEvent() {}

// PermissionRequestEvent asks the user to approve a blocked operation.
type PermissionRequestEvent struct {
	CorrelationID string          `json:"correlationID"`
	ToolName      string          `json:"toolName"`
	Input         json.RawMessage `json:"input,omitempty"`
	Suggestions   []string        `json:"suggestions,omitempty"`
	BlockedPath   string          `json:"blockedPath,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

func (PermissionRequestEvent) streamEvent() {}

// ModeChangedEvent reports a producer-side mode switch.
type ModeChangedEvent struct {
	Mode string
}

func (ModeChangedEvent) streamEvent() {}

// TaskUpdateEvent reports subtask state from the producer.
type TaskUpdateEvent struct {
	Description string
	State       string
}

func (TaskUpdateEvent) streamEvent() {}

// ResultEvent reports final token usage. It does not by itself terminate the
// stream; a done event typically follows.
type ResultEvent struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens"`
	CacheWriteTokens int `json:"cacheWriteTokens"`
}

func (ResultEvent) streamEvent() {}

// ErrorEvent terminates the stream with an error.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) streamEvent() {}

// DoneEvent terminates the stream normally.
type DoneEvent struct{}

func (DoneEvent) streamEvent() {}

// ParseFrame decodes a frame's payload into a typed event. Unknown kinds are
// dropped for forward compatibility; malformed payloads for structured kinds
// are dropped with a log line, continuing the deliberate lenient-parsing
// policy of the decoder.
func ParseFrame(frame Frame) (Event, bool) {
	log := logging.For("stream.decoder")

	switch frame.Type {
	case "text":
		return TextEvent{Text: frame.Data}, true

	case "tool_use":
		var payload struct {
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil || payload.ID == "" {
			log.Warn().Err(err).Msg("dropping malformed tool_use payload")
			return nil, false
		}
		return ToolUseEvent{ID: payload.ID, Name: payload.Name, Input: payload.Input}, true

	case "tool_result":
		var payload struct {
			ToolUseID string `json:"toolUseID"`
			Content   string `json:"content"`
		}
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil || payload.ToolUseID == "" {
			log.Warn().Err(err).Msg("dropping malformed tool_result payload")
			return nil, false
		}
		return ToolResultEvent{ToolUseID: payload.ToolUseID, Content: payload.Content}, true

	case "tool_output":
		var payload struct {
			Output   string              `json:"output"`
			Progress *ToolProgressMarker `json:"progress"`
		}
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
			// Older producers send the output as a bare string.
			return ToolOutputEvent{Output: frame.Data}, true
		}
		return ToolOutputEvent{Output: payload.Output, Progress: payload.Progress}, true

	case "tool_progress":
		var payload ToolProgressMarker
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
			log.Warn().Err(err).Msg("dropping malformed tool_progress payload")
			return nil, false
		}
		return ToolProgressEvent{Tool: payload.Tool, ElapsedSeconds: payload.ElapsedSeconds}, true

	case "tool_timeout":
		var payload struct {
			Tool string `json:"tool"`
		}
		_ = json.Unmarshal([]byte(frame.Data), &payload)
		return ToolTimeoutEvent{Tool: payload.Tool}, true

	case "status":
		return StatusEvent{Text: frame.Data}, true

	case "permission_request":
		var payload PermissionRequestEvent
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil || payload.CorrelationID == "" {
			log.Warn().Err(err).Msg("dropping malformed permission_request payload")
			return nil, false
		}
		return payload, true

	case "mode_changed":
		return ModeChangedEvent{Mode: frame.Data}, true

	case "task_update":
		var payload struct {
			Description string `json:"description"`
			State       string `json:"state"`
		}
		_ = json.Unmarshal([]byte(frame.Data), &payload)
		return TaskUpdateEvent{Description: payload.Description, State: payload.State}, true

	case "result":
		var payload ResultEvent
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
			log.Warn().Err(err).Msg("dropping malformed result payload")
			return nil, false
		}
		return payload, true

	case "error":
		return ErrorEvent{Message: frame.Data}, true

	case "done":
		return DoneEvent{}, true

	default:
		// Producer-added kinds we do not know yet.
		log.Debug().Str("type", frame.Type).Msg("ignoring unknown event kind")
		return nil, false
	}
}
