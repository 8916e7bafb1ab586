package stream

import (
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/pkg/types"
)

// Reduce folds one event into a snapshot and returns the next snapshot. It
// is a pure function: no I/O, no mutation of the input. Folding a sequence
// of events is incremental, reducing any prefix and then the remaining
// suffix yields the same snapshot as reducing the whole sequence.
//
// Events arriving after a terminal phase leave the snapshot untouched.
func Reduce(snap Snapshot, ev Event) Snapshot {
	if snap.Phase.Terminal() {
		return snap
	}

	next := snap

	switch e := ev.(type) {
	case TextEvent:
		next.Text = snap.Text + e.Text
		next.Blocks = appendText(snap.Blocks, e.Text)

	case ToolUseEvent:
		next.ToolUses = appendCopy(snap.ToolUses, ToolUse{ID: e.ID, Name: e.Name, Input: e.Input})
		next.Blocks = appendCopy(snap.Blocks, types.ToolUseBlock(e.ID, e.Name, e.Input))

	case ToolResultEvent:
		// The referenced tool_use may be unknown, producers do not promise
		// strict ordering. Store the result regardless.
		next.ToolResults = appendCopy(snap.ToolResults, ToolResult{ToolUseID: e.ToolUseID, Content: e.Content})
		next.Blocks = appendCopy(snap.Blocks, types.ToolResultBlock(e.ToolUseID, e.Content))

	case ToolOutputEvent:
		if e.Progress != nil {
			marker := *e.Progress
			next.ToolProgress = &marker
		} else {
			next.ToolOutput = snap.ToolOutput + e.Output
		}

	case ToolProgressEvent:
		next.ToolProgress = &ToolProgressMarker{Tool: e.Tool, ElapsedSeconds: e.ElapsedSeconds}

	case ToolTimeoutEvent:
		next.Status = fmt.Sprintf("tool %s timed out", e.Tool)

	case StatusEvent:
		next.Status = e.Text

	case PermissionRequestEvent:
		if snap.PendingPermission != nil {
			// At most one outstanding permission per session. The producer
			// should never send a second one; defend anyway.
			next.PermissionConflicts = snap.PermissionConflicts + 1
		} else {
			req := e
			next.PendingPermission = &req
			next.PermissionResolution = ""
		}

	case ModeChangedEvent:
		next.Mode = e.Mode

	case TaskUpdateEvent:
		next.Task = &TaskUpdate{Description: e.Description, State: e.State}

	case ResultEvent:
		next.Usage = &types.TokenUsage{
			Input:      e.InputTokens,
			Output:     e.OutputTokens,
			CacheRead:  e.CacheReadTokens,
			CacheWrite: e.CacheWriteTokens,
		}
		next.ResultSeen = true
		next.Status = ""

	case ErrorEvent:
		notice := fmt.Sprintf("\n\n[error] %s", e.Message)
		next.Text = snap.Text + notice
		next.Blocks = appendText(snap.Blocks, notice)
		next.Error = e.Message
		return finalize(next, PhaseError)

	case DoneEvent:
		return finalize(next, PhaseCompleted)

	default:
		return snap
	}

	next.Seq = snap.Seq + 1
	return next
}

// ResolvePermission clears the pending permission and records the decision.
// A no-op when nothing is pending.
func ResolvePermission(snap Snapshot, decision types.Decision) Snapshot {
	if snap.PendingPermission == nil || snap.Phase.Terminal() {
		return snap
	}
	next := snap
	next.PendingPermission = nil
	next.PermissionResolution = decision
	next.Seq = snap.Seq + 1
	return next
}

// Stop transitions an active snapshot to the stopped terminal phase.
func Stop(snap Snapshot) Snapshot {
	if snap.Phase.Terminal() {
		return snap
	}
	return finalize(snap, PhaseStopped)
}

// Complete transitions an active snapshot to the completed terminal phase.
// Used by the reconciler when the source closes after a result event, which
// ends the sequence just as a done event would.
func Complete(snap Snapshot) Snapshot {
	if snap.Phase.Terminal() {
		return snap
	}
	return finalize(snap, PhaseCompleted)
}

// Fail transitions an active snapshot to the error terminal phase. Used by
// the reconciler for transport faults such as an unexpected end of stream.
func Fail(snap Snapshot, message string) Snapshot {
	if snap.Phase.Terminal() {
		return snap
	}
	next := snap
	notice := fmt.Sprintf("\n\n[error] %s", message)
	next.Text = snap.Text + notice
	next.Blocks = appendText(snap.Blocks, notice)
	next.Error = message
	return finalize(next, PhaseError)
}

// finalize freezes the snapshot into a terminal phase: the message content
// is serialized from the accumulated blocks and no further events apply.
func finalize(snap Snapshot, phase Phase) Snapshot {
	next := snap
	next.Phase = phase
	next.Status = ""
	next.CompletedAt = time.Now().UnixMilli()
	content := types.FinalizeContent(next.Blocks)
	next.FinalContent = &content
	next.Seq = snap.Seq + 1
	return next
}

// appendText extends the trailing text block, or starts one, without
// aliasing the input slice. Keeping adjacent text merged is what lets
// text-only streams flatten to a single string.
func appendText(blocks []types.ContentBlock, text string) []types.ContentBlock {
	if n := len(blocks); n > 0 && blocks[n-1].Type == types.BlockText {
		out := make([]types.ContentBlock, n)
		copy(out, blocks)
		out[n-1].Text += text
		return out
	}
	return appendCopy(blocks, types.TextBlock(text))
}
