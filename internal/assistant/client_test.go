package assistant

import (
	"strings"
	"testing"
)

// collect runs scanStream over a canned SSE body and gathers events.
func collect(t *testing.T, body string) ([]*Event, []error) {
	t.Helper()
	c := &Client{}
	var events []*Event
	var errs []error
	c.scanStream(strings.NewReader(body), func(ev *Event, err error) bool {
		if err != nil {
			errs = append(errs, err)
			return false
		}
		events = append(events, ev)
		return true
	})
	return events, errs
}

func TestScanStreamTextAndStop(t *testing.T) {
	body := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start"}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	events, errs := collect(t, body)
	if len(errs) != 0 {
		t.Fatalf("Unexpected errors: %v", errs)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].TextDelta != "Hello" || events[1].TextDelta != " there" {
		t.Errorf("Unexpected text deltas: %+v", events[:2])
	}
	if events[2].StopReason != StopEndTurn {
		t.Errorf("Expected end_turn, got %q", events[2].StopReason)
	}
}

func TestScanStreamToolUse(t *testing.T) {
	body := strings.Join([]string{
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"detect_system"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_2","name":"pull_ollama_model"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"model\":"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"llama3.1\"}"}}`,
		``,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	events, errs := collect(t, body)
	if len(errs) != 0 {
		t.Fatalf("Unexpected errors: %v", errs)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 2 tool calls and a stop, got %d events", len(events))
	}

	first := events[0].ToolCall
	if first == nil || first.Name != "detect_system" || first.ID != "toolu_1" {
		t.Fatalf("Unexpected first tool call: %+v", first)
	}
	// An empty input accumulates to the empty object.
	if string(first.Input) != "{}" {
		t.Errorf("Expected empty object input, got %s", first.Input)
	}

	second := events[1].ToolCall
	if second == nil || second.Name != "pull_ollama_model" {
		t.Fatalf("Unexpected second tool call: %+v", second)
	}
	if string(second.Input) != `{"model":"llama3.1"}` {
		t.Errorf("Partial JSON not reassembled: %s", second.Input)
	}

	if events[2].StopReason != StopToolUse {
		t.Errorf("Expected tool_use stop, got %q", events[2].StopReason)
	}
}

func TestScanStreamAPIError(t *testing.T) {
	body := `data: {"type":"error","error":{"type":"overloaded_error","message":"try again"}}` + "\n"
	events, errs := collect(t, body)
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "overloaded_error") {
		t.Errorf("Expected the API error surfaced, got %v", errs)
	}
}

func TestScanStreamTruncated(t *testing.T) {
	body := `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}` + "\n"
	events, errs := collect(t, body)
	if len(events) != 1 {
		t.Fatalf("Expected the delta before the cut, got %d events", len(events))
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "message_stop") {
		t.Errorf("A stream without message_stop must error, got %v", errs)
	}
}
