package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindloom-ai/launcher/internal/assistant"
	"github.com/mindloom-ai/launcher/internal/catalog"
	"github.com/mindloom-ai/launcher/internal/config"
	"github.com/mindloom-ai/launcher/internal/protocol"
	"github.com/mindloom-ai/launcher/internal/session"
	"github.com/mindloom-ai/launcher/internal/store"
)

// ErrQueueFull is returned when the conversational turn queue is at
// capacity; the browser shows it and the user retries.
var ErrQueueFull = errors.New("assistant is busy, please wait for the current step to finish")

// maxToolRounds bounds the tool-call loop within one turn so a confused
// model cannot spin forever.
const maxToolRounds = 24

// Orchestrator serializes conversational turns: it feeds each user message
// to the decision-maker, dispatches requested operations through the gates
// and the correlator, and streams everything of interest to the browser.
type Orchestrator struct {
	cfg        *config.ServerConfig
	sess       *session.Session
	cat        *catalog.Catalog
	correlator *Correlator
	browser    *BrowserHub
	repo       store.Repository
	processor  assistant.Processor

	queue chan string
	tools []assistant.ToolDef
	// msgs is the structured conversation history sent to the model. Only
	// the turn worker touches it.
	msgs []assistant.Message
}

// NewOrchestrator wires the orchestrator. Run must be started for queued
// turns to be processed.
func NewOrchestrator(cfg *config.ServerConfig, sess *session.Session, cat *catalog.Catalog, correlator *Correlator, browser *BrowserHub, repo store.Repository, processor assistant.Processor) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		sess:       sess,
		cat:        cat,
		correlator: correlator,
		browser:    browser,
		repo:       repo,
		processor:  processor,
		queue:      make(chan string, cfg.MaxQueuedTurns),
	}
	for _, op := range cat.Operations() {
		o.tools = append(o.tools, assistant.ToolDef{
			Name:        op.Name,
			Description: op.Purpose,
			InputSchema: op.Schema,
		})
	}
	correlator.OnProgress(o.forwardProgress)
	return o
}

// EnqueueUserMessage queues one turn without blocking the caller.
func (o *Orchestrator) EnqueueUserMessage(content string) error {
	select {
	case o.queue <- content:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes queued turns one at a time until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case content := <-o.queue:
			o.runTurn(ctx, content)
		}
	}
}

func (o *Orchestrator) runTurn(ctx context.Context, content string) {
	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	slog.Info("Turn started", "queued", len(o.queue))
	o.sess.AppendTurn(assistant.RoleUser, content)
	o.recordTurn(assistant.RoleUser, content)
	o.msgs = append(o.msgs, assistant.TextMessage(assistant.RoleUser, content))

	o.browser.Broadcast(protocol.AITyping{Type: protocol.TypeAITyping, Typing: true})
	defer o.browser.Broadcast(protocol.AITyping{Type: protocol.TypeAITyping, Typing: false})

	for round := 0; round < maxToolRounds; round++ {
		text, calls, stop, err := o.streamResponse(turnCtx)
		if err != nil {
			slog.Error("Turn failed", "error", err)
			o.browser.BroadcastError("The assistant is unavailable right now. Please try again.")
			return
		}

		blocks := make([]assistant.ContentBlock, 0, len(calls)+1)
		if text != "" {
			blocks = append(blocks, assistant.ContentBlock{Type: assistant.BlockText, Text: text})
			o.sess.AppendTurn(assistant.RoleAssistant, text)
			o.recordTurn(assistant.RoleAssistant, text)
		}
		for _, call := range calls {
			blocks = append(blocks, assistant.ContentBlock{
				Type:  assistant.BlockToolUse,
				ID:    call.ID,
				Name:  call.Name,
				Input: call.Input,
			})
		}
		if len(blocks) > 0 {
			o.msgs = append(o.msgs, assistant.Message{Role: assistant.RoleAssistant, Content: blocks})
		}

		if stop != assistant.StopToolUse || len(calls) == 0 {
			slog.Info("Turn finished", "rounds", round+1)
			return
		}

		results := make([]assistant.ContentBlock, 0, len(calls))
		for _, call := range calls {
			results = append(results, o.executeToolCall(turnCtx, call))
		}
		o.msgs = append(o.msgs, assistant.ToolResultMessage(results))
	}

	slog.Warn("Turn hit the tool round limit")
	o.browser.BroadcastError("Stopped after too many consecutive steps. Send a message to continue.")
}

// streamResponse runs one model response, forwarding text deltas to the
// browser as they arrive.
func (o *Orchestrator) streamResponse(ctx context.Context) (string, []assistant.ToolCall, string, error) {
	var (
		text    strings.Builder
		calls   []assistant.ToolCall
		stop    string
		started bool
	)

	for ev, err := range o.processor.Turn(ctx, o.systemPrompt(), o.msgs, o.tools) {
		if err != nil {
			return "", nil, "", err
		}
		switch {
		case ev.TextDelta != "":
			if !started {
				started = true
				o.browser.Broadcast(map[string]string{"type": protocol.TypeAIMessageStart})
			}
			text.WriteString(ev.TextDelta)
			o.browser.Broadcast(protocol.AIMessageDelta{Type: protocol.TypeAIMessageDelta, Content: ev.TextDelta})
		case ev.ToolCall != nil:
			calls = append(calls, *ev.ToolCall)
		case ev.StopReason != "":
			stop = ev.StopReason
		}
	}

	if started {
		o.browser.Broadcast(map[string]string{"type": protocol.TypeAIMessageEnd})
	}
	return text.String(), calls, stop, nil
}

// executeToolCall runs the gates and, if they pass, dispatches the operation
// to the agent. Gate failures settle locally; nothing crosses the link.
func (o *Orchestrator) executeToolCall(ctx context.Context, call assistant.ToolCall) assistant.ContentBlock {
	// A dead link is reported before any input problem: with the agent
	// down the actionable failure is the connection, not the payload.
	if !o.sess.AgentConnected() {
		return toolFailure(call.ID, "the local helper application is not connected")
	}

	op, err := o.cat.CheckGates(call.Name, call.Input, o.sess)
	if err != nil {
		slog.Warn("Operation gated", "operation", call.Name, "error", err)
		return toolFailure(call.ID, err.Error())
	}

	o.browser.Broadcast(protocol.ToolExecuting{
		Type:  protocol.TypeToolExecuting,
		Tool:  call.Name,
		Input: call.Input,
	})

	var input map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &input); err != nil {
			return toolFailure(call.ID, fmt.Sprintf("malformed operation input: %v", err))
		}
	}

	id := uuid.NewString()
	frame, err := protocol.MarshalOperationRequest(call.Name, id, input)
	if err != nil {
		return toolFailure(call.ID, err.Error())
	}

	o.markProgressState(call.Name)

	started := time.Now()
	res, err := o.correlator.Dispatch(ctx, id, frame, op.Timeout)
	elapsed := time.Since(started)

	o.recordOperation(id, call.Name, call.Input, res, err, elapsed)

	if err != nil {
		slog.Error("Operation dispatch failed", "operation", call.Name, "id", id, "error", err)
		o.applyResult(call.Name, false, nil)
		return toolFailure(call.ID, err.Error())
	}

	slog.Info("Operation finished", "operation", call.Name, "id", id, "success", res.Success, "duration", elapsed)
	o.applyResult(call.Name, res.Success, res.Data)

	// Feed the full result back to the model and mirror it to the browser.
	o.browser.Broadcast(res)

	content := string(res.Data)
	if !res.Success {
		if res.Error != "" {
			content = res.Error
		} else {
			content = "operation failed"
		}
	} else if content == "" {
		content = "ok"
	}
	return assistant.ContentBlock{
		Type:      assistant.BlockToolResult,
		ToolUseID: call.ID,
		Content:   content,
		IsError:   !res.Success,
	}
}

// markProgressState advances the install-state machine when an installing
// operation is dispatched. Completion only ever happens in applyResult.
func (o *Orchestrator) markProgressState(operation string) {
	switch operation {
	case catalog.OpInstallConda, catalog.OpInstallGit, catalog.OpCloneRepo,
		catalog.OpCreateCondaEnv, catalog.OpInstallCondaEnv,
		catalog.OpInstallAllDeps, catalog.OpSetupEnvFile:
		o.sess.MarkInstallInProgress()
	}
}

// applyResult folds an operation outcome into session state. The install
// state only advances on confirmed success.
func (o *Orchestrator) applyResult(operation string, success bool, data json.RawMessage) {
	switch operation {
	case catalog.OpDetectSystem:
		if !success {
			return
		}
		o.sess.SetSnapshot(data)
		var snap struct {
			CondaInstalled bool `json:"conda_installed"`
			GitInstalled   bool `json:"git_installed"`
			MindloomExists bool `json:"mindloom_exists"`
		}
		if err := json.Unmarshal(data, &snap); err == nil &&
			snap.CondaInstalled && snap.GitInstalled && snap.MindloomExists {
			o.sess.MarkInstallCompleted()
		}
	case catalog.OpInstallConda, catalog.OpInstallGit, catalog.OpCloneRepo,
		catalog.OpCreateCondaEnv, catalog.OpInstallCondaEnv,
		catalog.OpInstallAllDeps:
		if !success {
			o.sess.MarkInstallFailed()
		}
	case catalog.OpSetupEnvFile:
		// The last required install step. Its success completes the install.
		if success {
			o.sess.MarkInstallCompleted()
		} else {
			o.sess.MarkInstallFailed()
		}
	case catalog.OpStartMindloom, catalog.OpRestartMindloom:
		if success {
			o.sess.SetServiceStatus(session.ServiceRunning)
			o.sess.MarkInstallCompleted()
		} else {
			o.sess.SetServiceStatus(session.ServiceStopped)
		}
	case catalog.OpStopMindloom:
		if success {
			o.sess.SetServiceStatus(session.ServiceStopped)
		}
	}
}

// forwardProgress relays side-channel progress events to the browser.
func (o *Orchestrator) forwardProgress(p protocol.Progress) {
	o.browser.Broadcast(p)
}

func (o *Orchestrator) recordTurn(role, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.repo.RecordTurn(ctx, o.sess.ID, role, content); err != nil {
		slog.Warn("Failed to record turn", "error", err)
	}
}

func (o *Orchestrator) recordOperation(id, operation string, input json.RawMessage, res protocol.ToolResult, dispatchErr error, elapsed time.Duration) {
	rec := &store.OperationRecord{
		ID:         id,
		SessionID:  o.sess.ID,
		Operation:  operation,
		Input:      input,
		Success:    dispatchErr == nil && res.Success,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if dispatchErr != nil {
		rec.Error = dispatchErr.Error()
	} else if !res.Success {
		rec.Error = res.Error
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.repo.RecordOperation(ctx, rec); err != nil {
		slog.Warn("Failed to record operation", "error", err)
	}
}

func toolFailure(toolUseID, message string) assistant.ContentBlock {
	return assistant.ContentBlock{
		Type:      assistant.BlockToolResult,
		ToolUseID: toolUseID,
		Content:   message,
		IsError:   true,
	}
}

// systemPrompt describes the installer persona and the rules the
// decision-maker must follow.
func (o *Orchestrator) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are the MindLoom setup assistant. You help a non-technical user ")
	b.WriteString("install and run MindLoom on their own computer by calling the provided tools.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Always call detect_system first in a fresh conversation before recommending anything.\n")
	b.WriteString("- Explain what you are about to do in one or two friendly sentences before doing it.\n")
	b.WriteString("- Installs and service starts need the user's explicit approval. Ask first, and set ")
	b.WriteString("\"confirmed\": true only after the user has clearly said yes in this conversation.\n")
	b.WriteString("- If a step fails, explain the failure in plain language and suggest the next action. Never retry the same failing step more than once without asking.\n")
	b.WriteString("- The install order is: detect_system, install_conda, install_git, clone_repo, create_conda_env, install_conda_env, install_all_deps, setup_env_file. Optional model runtime steps come after that.\n")
	b.WriteString("- Never invent tools. If something cannot be done with the tools you have, say so.\n")

	if snap := o.sess.LastSnapshot(); snap != nil {
		b.WriteString("\nLatest system detection result:\n")
		b.Write(snap.Raw)
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("\nCurrent install state: %s.\n", o.sess.InstallState()))
	return b.String()
}
