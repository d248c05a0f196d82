package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mindloom-ai/launcher/internal/config"
)

// Client streams turns from the hosted messages API over SSE.
type Client struct {
	cfg  config.AssistantConfig
	http *http.Client
}

var _ Processor = (*Client)(nil)

// NewClient creates the API client. Per-turn deadlines come from the caller's
// context; the transport itself only bounds connection setup.
func NewClient(cfg config.AssistantConfig) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	Stream    bool      `json:"stream"`
}

// streamEvent is the union of SSE payloads the client cares about.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Turn streams one model response. The iterator yields text deltas as they
// arrive, a ToolCall per completed tool_use block, and the stop reason last.
func (c *Client) Turn(ctx context.Context, system string, msgs []Message, tools []ToolDef) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		body, err := json.Marshal(messagesRequest{
			Model:     c.cfg.Model,
			MaxTokens: c.cfg.MaxTokens,
			System:    system,
			Messages:  msgs,
			Tools:     tools,
			Stream:    true,
		})
		if err != nil {
			yield(nil, fmt.Errorf("encode request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("build request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.cfg.APIKey)
		req.Header.Set("Anthropic-Version", "2023-06-01")

		resp, err := c.http.Do(req)
		if err != nil {
			yield(nil, fmt.Errorf("messages request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(nil, fmt.Errorf("messages request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
			return
		}

		c.scanStream(resp.Body, yield)
	}
}

// scanStream walks the SSE body, accumulating tool_use blocks across their
// input deltas and flushing them on block stop.
func (c *Client) scanStream(body io.Reader, yield func(*Event, error) bool) {
	var (
		toolID   string
		toolName string
		toolJSON strings.Builder
		inTool   bool
		stop     string
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			slog.Debug("Skipping unparseable stream event", "error", err)
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == BlockToolUse {
				inTool = true
				toolID = ev.ContentBlock.ID
				toolName = ev.ContentBlock.Name
				toolJSON.Reset()
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					if !yield(&Event{TextDelta: ev.Delta.Text}, nil) {
						return
					}
				}
			case "input_json_delta":
				toolJSON.WriteString(ev.Delta.PartialJSON)
			}
		case "content_block_stop":
			if inTool {
				input := toolJSON.String()
				if input == "" {
					input = "{}"
				}
				call := &ToolCall{ID: toolID, Name: toolName, Input: json.RawMessage(input)}
				inTool = false
				if !yield(&Event{ToolCall: call}, nil) {
					return
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				stop = ev.Delta.StopReason
			}
		case "message_stop":
			yield(&Event{StopReason: stop}, nil)
			return
		case "error":
			yield(nil, fmt.Errorf("stream error: %s: %s", ev.Error.Type, ev.Error.Message))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		yield(nil, fmt.Errorf("read stream: %w", err))
		return
	}
	yield(nil, fmt.Errorf("stream ended without message_stop"))
}
