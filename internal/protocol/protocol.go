// Package protocol defines the JSON wire messages exchanged between the
// browser UI, the launcher server, and the launcher agent. Every frame is an
// object with a mandatory "type" discriminator; operation requests use the
// operation name itself as the type, with the correlation id and operation
// fields at the top level.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types that are not operation names. Operation request frames carry
// the catalog operation name as their type.
const (
	TypeBrowserConnect      = "browser_connect"
	TypeBootstrapperConnect = "bootstrapper_connect"
	TypeUserMessage         = "user_message"
	TypeAITyping            = "ai_typing"
	TypeAIMessageStart      = "ai_message_start"
	TypeAIMessageDelta      = "ai_message_delta"
	TypeAIMessageEnd        = "ai_message_end"
	TypeToolExecuting       = "tool_executing"
	TypeToolResult          = "tool_result"
	TypeStatusUpdate        = "status_update"
	TypeProgress            = "progress"
	TypeError               = "error"
)

// Envelope is a decoded frame: the discriminator plus the raw bytes, so the
// receiver can unmarshal the payload into the concrete type for the tag.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Decode extracts the type discriminator from a raw frame.
func Decode(data []byte) (Envelope, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if tag.Type == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing type discriminator")
	}
	return Envelope{Type: tag.Type, Raw: json.RawMessage(data)}, nil
}

// Payload unmarshals the envelope body into v.
func (e Envelope) Payload(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// UserMessage is one conversational turn from the browser.
type UserMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AITyping toggles the transient thinking indicator in the UI.
type AITyping struct {
	Type   string `json:"type"`
	Typing bool   `json:"typing"`
}

// AIMessageDelta carries one chunk of incremental reply text.
type AIMessageDelta struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ToolExecuting tells the UI which audited operation is running.
type ToolExecuting struct {
	Type  string          `json:"type"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the terminal response for one operation request. The id
// echoes the correlation id of the request.
type ToolResult struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StatusUpdate reports the agent link state to the browser.
type StatusUpdate struct {
	Type                  string `json:"type"`
	BootstrapperConnected bool   `json:"bootstrapper_connected"`
}

// Progress is a side-channel event emitted between an operation request and
// its terminal result. Percent and the byte counters are nullable: not every
// operation can report them.
type Progress struct {
	Type            string  `json:"type"`
	ID              string  `json:"id"`
	Operation       string  `json:"operation"`
	Percent         *int    `json:"percent,omitempty"`
	Message         string  `json:"message"`
	BytesDownloaded *uint64 `json:"bytes_downloaded,omitempty"`
	BytesTotal      *uint64 `json:"bytes_total,omitempty"`
}

// ErrorMessage is a user-visible failure notice.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Marshal encodes a frame value, which must already carry its type tag.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// MarshalOperationRequest builds an operation request frame: the operation
// name as the type, the correlation id, and the input fields inlined at the
// top level of the object.
func MarshalOperationRequest(operation, id string, input map[string]any) ([]byte, error) {
	frame := make(map[string]any, len(input)+2)
	for k, v := range input {
		frame[k] = v
	}
	frame["type"] = operation
	frame["id"] = id
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", operation, err)
	}
	return data, nil
}

// RequestID extracts the correlation id from an operation request envelope.
func RequestID(e Envelope) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Raw, &body); err != nil {
		return "", fmt.Errorf("decode %s request id: %w", e.Type, err)
	}
	if body.ID == "" {
		return "", fmt.Errorf("%s request is missing an id", e.Type)
	}
	return body.ID, nil
}

// IntPtr, Uint64Ptr are small helpers for the nullable Progress fields.
func IntPtr(v int) *int { return &v }

// Uint64Ptr returns a pointer to v.
func Uint64Ptr(v uint64) *uint64 { return &v }
