package relay

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mindloom-ai/launcher/internal/assistant"
	"github.com/mindloom-ai/launcher/internal/catalog"
	"github.com/mindloom-ai/launcher/internal/config"
	"github.com/mindloom-ai/launcher/internal/session"
	"github.com/mindloom-ai/launcher/internal/store"
)

type fakeRepo struct {
	mu    sync.Mutex
	ops   []*store.OperationRecord
	turns []store.TurnRecord
}

func (r *fakeRepo) RecordOperation(_ context.Context, rec *store.OperationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, rec)
	return nil
}

func (r *fakeRepo) RecordTurn(_ context.Context, sessionID, role, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, store.TurnRecord{SessionID: sessionID, Role: role, Content: content})
	return nil
}

func (r *fakeRepo) RecentOperations(context.Context, int) ([]*store.OperationRecord, error) {
	return nil, nil
}
func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close() error               { return nil }

// scriptedProcessor plays back one event script per Turn call and captures
// the conversation it was shown.
type scriptedProcessor struct {
	mu      sync.Mutex
	scripts [][]assistant.Event
	seen    [][]assistant.Message
}

func (p *scriptedProcessor) Turn(_ context.Context, _ string, msgs []assistant.Message, _ []assistant.ToolDef) iter.Seq2[*assistant.Event, error] {
	p.mu.Lock()
	snapshot := make([]assistant.Message, len(msgs))
	copy(snapshot, msgs)
	p.seen = append(p.seen, snapshot)
	var script []assistant.Event
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	p.mu.Unlock()

	return func(yield func(*assistant.Event, error) bool) {
		if script == nil {
			yield(nil, errors.New("no scripted response left"))
			return
		}
		for i := range script {
			if !yield(&script[i], nil) {
				return
			}
		}
	}
}

func testOrchestrator(t *testing.T, link *fakeLink, proc assistant.Processor, repo store.Repository) (*Orchestrator, *session.Session) {
	t.Helper()
	cfg := &config.ServerConfig{
		Port:           "0",
		DBPath:         "ignored",
		MaxQueuedTurns: 2,
		TurnTimeout:    5 * time.Second,
		Assistant:      config.AssistantConfig{APIKey: "test", Model: "test"},
	}
	sess := session.New("test-session")
	browser := NewBrowserHub(sess, "*")
	correlator := NewCorrelator(link)
	return NewOrchestrator(cfg, sess, catalog.New(), correlator, browser, repo, proc), sess
}

func TestEnqueueUserMessageQueueBound(t *testing.T) {
	o, _ := testOrchestrator(t, &fakeLink{connected: true}, &scriptedProcessor{}, &fakeRepo{})

	// Run is not started, so the queue only drains at capacity 2.
	if err := o.EnqueueUserMessage("one"); err != nil {
		t.Fatalf("First enqueue failed: %v", err)
	}
	if err := o.EnqueueUserMessage("two"); err != nil {
		t.Fatalf("Second enqueue failed: %v", err)
	}
	if err := o.EnqueueUserMessage("three"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestTextOnlyTurn(t *testing.T) {
	repo := &fakeRepo{}
	proc := &scriptedProcessor{scripts: [][]assistant.Event{
		{
			{TextDelta: "Hello! "},
			{TextDelta: "Let me check your system."},
			{StopReason: assistant.StopEndTurn},
		},
	}}
	o, sess := testOrchestrator(t, &fakeLink{connected: true}, proc, repo)

	o.runTurn(context.Background(), "hi")

	transcript := sess.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("Expected user and assistant turns, got %d", len(transcript))
	}
	if transcript[1].Role != assistant.RoleAssistant || transcript[1].Content != "Hello! Let me check your system." {
		t.Errorf("Unexpected assistant turn: %+v", transcript[1])
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.turns) != 2 {
		t.Errorf("Expected 2 recorded turns, got %d", len(repo.turns))
	}
	if len(repo.ops) != 0 {
		t.Errorf("Expected no recorded operations, got %d", len(repo.ops))
	}
}

func TestGatedToolCallNeverReachesAgent(t *testing.T) {
	link := &fakeLink{connected: true}
	repo := &fakeRepo{}
	proc := &scriptedProcessor{scripts: [][]assistant.Event{
		{
			// The model tries an install without user confirmation.
			{ToolCall: &assistant.ToolCall{ID: "t1", Name: catalog.OpInstallConda, Input: json.RawMessage(`{"confirmed":false}`)}},
			{StopReason: assistant.StopToolUse},
		},
		{
			{TextDelta: "I need your approval first."},
			{StopReason: assistant.StopEndTurn},
		},
	}}
	o, sess := testOrchestrator(t, link, proc, repo)
	sess.SetAgentConnected(true)

	o.runTurn(context.Background(), "install everything")

	if link.sent() != 0 {
		t.Errorf("Gate failure must not send anything to the agent, sent %d frames", link.sent())
	}

	// The second model call must have seen the gate failure as an error
	// tool result.
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.seen) != 2 {
		t.Fatalf("Expected 2 model calls, got %d", len(proc.seen))
	}
	last := proc.seen[1]
	final := last[len(last)-1]
	if final.Role != assistant.RoleUser || len(final.Content) != 1 {
		t.Fatalf("Expected a single tool result message, got %+v", final)
	}
	block := final.Content[0]
	if block.Type != assistant.BlockToolResult || !block.IsError || block.ToolUseID != "t1" {
		t.Errorf("Expected error tool result for t1, got %+v", block)
	}
}

func TestMalformedToolInputIsRejectedLocally(t *testing.T) {
	link := &fakeLink{connected: true}
	proc := &scriptedProcessor{scripts: [][]assistant.Event{
		{
			{ToolCall: &assistant.ToolCall{ID: "t1", Name: catalog.OpCheckPort, Input: json.RawMessage(`{"port":99999}`)}},
			{StopReason: assistant.StopToolUse},
		},
		{
			{TextDelta: "That port is invalid."},
			{StopReason: assistant.StopEndTurn},
		},
	}}
	o, sess := testOrchestrator(t, link, proc, &fakeRepo{})
	sess.SetAgentConnected(true)

	o.runTurn(context.Background(), "check port 99999")

	if link.sent() != 0 {
		t.Errorf("Validation failure must not reach the agent, sent %d frames", link.sent())
	}
}

func TestDisconnectedAgentReportedBeforeInputProblems(t *testing.T) {
	link := &fakeLink{}
	proc := &scriptedProcessor{scripts: [][]assistant.Event{
		{
			// Unconfirmed install while the agent is down: the tool
			// result must name the missing connection, not the gate.
			{ToolCall: &assistant.ToolCall{ID: "t1", Name: catalog.OpInstallConda, Input: json.RawMessage(`{"confirmed":false}`)}},
			{StopReason: assistant.StopToolUse},
		},
		{
			{TextDelta: "Please start the helper first."},
			{StopReason: assistant.StopEndTurn},
		},
	}}
	o, _ := testOrchestrator(t, link, proc, &fakeRepo{})

	o.runTurn(context.Background(), "install everything")

	if link.sent() != 0 {
		t.Errorf("Nothing may reach a disconnected agent, sent %d frames", link.sent())
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.seen) != 2 {
		t.Fatalf("Expected 2 model calls, got %d", len(proc.seen))
	}
	last := proc.seen[1]
	block := last[len(last)-1].Content[0]
	if !block.IsError || !strings.Contains(block.Content, "not connected") {
		t.Errorf("Expected a link-down tool result, got %+v", block)
	}
}

func TestApplyResultInstallState(t *testing.T) {
	o, sess := testOrchestrator(t, &fakeLink{connected: true}, &scriptedProcessor{}, &fakeRepo{})

	// Detection showing everything present completes the install.
	o.applyResult(catalog.OpDetectSystem, true, json.RawMessage(
		`{"conda_installed":true,"git_installed":true,"mindloom_exists":true}`))
	if !sess.InstallCompleted() {
		t.Error("Full detection result must complete the install state")
	}

	// A later failed step must not regress it.
	o.applyResult(catalog.OpInstallAllDeps, false, nil)
	if !sess.InstallCompleted() {
		t.Error("Completed install regressed after an unrelated failure")
	}
}

func TestApplyResultServiceStatus(t *testing.T) {
	o, sess := testOrchestrator(t, &fakeLink{connected: true}, &scriptedProcessor{}, &fakeRepo{})

	o.applyResult(catalog.OpStartMindloom, true, nil)
	if sess.Status() != session.ServiceRunning {
		t.Errorf("Expected running, got %s", sess.Status())
	}
	if !sess.InstallCompleted() {
		t.Error("A confirmed successful start implies a working install")
	}

	o.applyResult(catalog.OpStopMindloom, true, nil)
	if sess.Status() != session.ServiceStopped {
		t.Errorf("Expected stopped, got %s", sess.Status())
	}
}

func TestPartialDetectionDoesNotCompleteInstall(t *testing.T) {
	o, sess := testOrchestrator(t, &fakeLink{connected: true}, &scriptedProcessor{}, &fakeRepo{})

	o.applyResult(catalog.OpDetectSystem, true, json.RawMessage(
		`{"conda_installed":true,"git_installed":true,"mindloom_exists":false}`))
	if sess.InstallCompleted() {
		t.Error("Partial detection must not complete the install state")
	}
}
