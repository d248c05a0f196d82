// Package relay connects the three parties: it accepts browser and agent
// websocket links, correlates operation requests with their results, and
// runs the conversational orchestrator in between.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mindloom-ai/launcher/internal/protocol"
)

// Dispatch failures.
var (
	// ErrLinkDown means the agent link was not up when the request was made,
	// or dropped while the request was in flight.
	ErrLinkDown = errors.New("agent link is down")
	// ErrTimeout means no terminal result arrived within the operation's
	// timeout budget.
	ErrTimeout = errors.New("operation timed out")
)

// AgentLink is the outbound half of the agent connection.
type AgentLink interface {
	// Connected reports whether an agent link is currently up.
	Connected() bool
	// Send writes one frame to the agent.
	Send(ctx context.Context, frame []byte) error
}

// ProgressFunc receives side-channel progress events for in-flight requests.
type ProgressFunc func(p protocol.Progress)

// Correlator matches operation requests to terminal results by correlation
// id. Each pending request settles exactly once: with the agent's result,
// with a timeout, or with a link-drop failure.
type Correlator struct {
	link AgentLink

	mu       sync.Mutex
	pending  map[string]chan protocol.ToolResult
	progress ProgressFunc
}

// NewCorrelator creates a correlator over the given agent link.
func NewCorrelator(link AgentLink) *Correlator {
	return &Correlator{
		link:    link,
		pending: make(map[string]chan protocol.ToolResult),
	}
}

// OnProgress registers the single progress listener. Progress events bypass
// correlation entirely and are forwarded as they arrive.
func (c *Correlator) OnProgress(fn ProgressFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = fn
}

// Dispatch sends one operation request frame and blocks until its terminal
// result, the timeout, a link drop, or ctx cancellation.
func (c *Correlator) Dispatch(ctx context.Context, id string, frame []byte, timeout time.Duration) (protocol.ToolResult, error) {
	if !c.link.Connected() {
		return protocol.ToolResult{}, ErrLinkDown
	}

	// Buffered so Resolve never blocks if the waiter already gave up.
	ch := make(chan protocol.ToolResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.link.Send(ctx, frame); err != nil {
		return protocol.ToolResult{}, fmt.Errorf("%w: %v", ErrLinkDown, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return protocol.ToolResult{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return protocol.ToolResult{}, ctx.Err()
	}
}

// Resolve delivers a terminal result to its waiter. Results whose id matches
// no pending request are discarded; it reports whether a waiter was found.
func (c *Correlator) Resolve(res protocol.ToolResult) bool {
	c.mu.Lock()
	ch, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// NotifyProgress forwards a progress event to the registered listener.
func (c *Correlator) NotifyProgress(p protocol.Progress) {
	c.mu.Lock()
	fn := c.progress
	c.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// FailAll rejects every in-flight request. Called when the agent link drops:
// no result is coming for any of them.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan protocol.ToolResult)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- protocol.ToolResult{
			Type:    protocol.TypeToolResult,
			ID:      id,
			Success: false,
			Error:   err.Error(),
		}
	}
}

// PendingCount reports the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
