// Package assistant wraps the decision-maker API: the hosted language model
// that reads the conversation and chooses which audited operations to run.
// The orchestrator consumes it as a stream of events per turn.
package assistant

import (
	"context"
	"encoding/json"
	"iter"
)

// Role values for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons that matter to the orchestrator.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// ToolDef describes one audited operation as a tool the model may call.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ContentBlock is one block of a conversation message.
type ContentBlock struct {
	Type string `json:"type"`

	// Text blocks.
	Text string `json:"text,omitempty"`

	// Tool use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of conversation history sent to the model.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ToolCall is a fully accumulated tool invocation from the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Event is one item of a turn's response stream. Exactly one field is set.
type Event struct {
	// TextDelta carries one chunk of incremental reply text.
	TextDelta string
	// ToolCall is emitted once per completed tool_use block.
	ToolCall *ToolCall
	// StopReason is emitted last, once the model finished the response.
	StopReason string
}

// Processor is the decision-maker behind the orchestrator. Implemented by
// the streaming API client; tests substitute their own.
type Processor interface {
	// Turn streams one model response for the given history and tool set.
	Turn(ctx context.Context, system string, msgs []Message, tools []ToolDef) iter.Seq2[*Event, error]
}

// TextMessage builds a single-block text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolResultMessage builds the user-role message that feeds tool outcomes
// back to the model.
func ToolResultMessage(results []ContentBlock) Message {
	return Message{Role: RoleUser, Content: results}
}
