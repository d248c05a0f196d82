package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"user_message","content":"hi"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != TypeUserMessage {
		t.Errorf("Expected type %q, got %q", TypeUserMessage, env.Type)
	}

	var msg UserMessage
	if err := env.Payload(&msg); err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if msg.Content != "hi" {
		t.Errorf("Expected content hi, got %q", msg.Content)
	}
}

func TestDecodeMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"content":"hi"}`)); err == nil {
		t.Error("Expected error for frame without type")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Error("Expected error for malformed frame")
	}
}

func TestMarshalOperationRequest(t *testing.T) {
	data, err := MarshalOperationRequest("pull_ollama_model", "abc-123", map[string]any{
		"model": "llama3.1:8b",
		"force": true,
	})
	if err != nil {
		t.Fatalf("MarshalOperationRequest failed: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}
	if frame["type"] != "pull_ollama_model" {
		t.Errorf("Expected type pull_ollama_model, got %v", frame["type"])
	}
	if frame["id"] != "abc-123" {
		t.Errorf("Expected id abc-123, got %v", frame["id"])
	}
	if frame["model"] != "llama3.1:8b" {
		t.Errorf("Expected inlined model field, got %v", frame["model"])
	}
	if frame["force"] != true {
		t.Errorf("Expected inlined force field, got %v", frame["force"])
	}
}

func TestMarshalOperationRequestOverridesReservedFields(t *testing.T) {
	// Input must never be able to spoof the discriminator or the id.
	data, err := MarshalOperationRequest("detect_system", "real-id", map[string]any{
		"type": "spoofed",
		"id":   "spoofed",
	})
	if err != nil {
		t.Fatalf("MarshalOperationRequest failed: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != "detect_system" {
		t.Errorf("Expected type detect_system, got %q", env.Type)
	}
	id, err := RequestID(env)
	if err != nil {
		t.Fatalf("RequestID failed: %v", err)
	}
	if id != "real-id" {
		t.Errorf("Expected id real-id, got %q", id)
	}
}

func TestRequestIDMissing(t *testing.T) {
	env, err := Decode([]byte(`{"type":"detect_system"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, err := RequestID(env); err == nil {
		t.Error("Expected error for request without id")
	}
}

func TestProgressNullableFields(t *testing.T) {
	p := Progress{
		Type:      TypeProgress,
		ID:        "x",
		Operation: "install_conda",
		Message:   "Downloading...",
	}
	data, err := Marshal(p)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, present := raw["percent"]; present {
		t.Error("Expected percent to be omitted when unknown")
	}
	if _, present := raw["bytes_total"]; present {
		t.Error("Expected bytes_total to be omitted when unknown")
	}
}
