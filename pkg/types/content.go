// Package types defines the shared domain types for the atelier runtime:
// message content blocks, token usage, and media job records.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType discriminates content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one typed block of assistant output. Exactly one of the
// payload groups is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"toolUseID,omitempty"`
	Content   string `json:"content,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result block.
func ToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content}
}

// MessageContent is the finalized content of one assistant message. When the
// accumulated blocks are text-only it collapses to flattened plain text;
// otherwise it preserves the ordered interleaving of typed blocks. Downstream
// persistence and replay depend on this shape, so both forms round-trip
// through JSON: a string for text-only content, an array otherwise.
type MessageContent struct {
	// Text holds the flattened form. Only meaningful when Blocks is nil.
	Text string
	// Blocks holds the structured form, in observed order.
	Blocks []ContentBlock
}

// FinalizeContent builds a MessageContent from accumulated blocks per the
// serialization rule: text-only block sequences flatten to trimmed plain
// text, anything else keeps the full ordered block list.
func FinalizeContent(blocks []ContentBlock) MessageContent {
	textOnly := true
	for _, b := range blocks {
		if b.Type != BlockText {
			textOnly = false
			break
		}
	}
	if textOnly {
		var sb strings.Builder
		for _, b := range blocks {
			sb.WriteString(b.Text)
		}
		return MessageContent{Text: strings.TrimSpace(sb.String())}
	}
	out := make([]ContentBlock, len(blocks))
	copy(out, blocks)
	return MessageContent{Blocks: out}
}

// IsText reports whether the content is the flattened plain-text form.
func (c MessageContent) IsText() bool {
	return c.Blocks == nil
}

// MarshalJSON encodes text-only content as a JSON string and structured
// content as a JSON array of blocks.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Blocks == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	}
	if strings.HasPrefix(trimmed, "[") {
		c.Text = ""
		return json.Unmarshal(data, &c.Blocks)
	}
	return fmt.Errorf("message content must be a string or block array")
}
