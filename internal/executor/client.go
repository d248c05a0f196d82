package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mindloom-ai/launcher/internal/bootstrap"
	"github.com/mindloom-ai/launcher/internal/protocol"
)

// Reconnect backoff bounds.
const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Client maintains the websocket link to the launcher server, dispatching
// each operation request to the handler in its own goroutine so a long
// install never blocks a status query.
type Client struct {
	serverURL string
	handler   *Handler

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewClient creates the agent-side link client.
func NewClient(serverURL string, handler *Handler) *Client {
	return &Client{serverURL: serverURL, handler: handler}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff when the link drops.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if err := c.serveOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Server link lost", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) serveOnce(ctx context.Context) error {
	slog.Info("Connecting to launcher server", "url", c.serverURL)
	conn, _, err := websocket.Dial(ctx, c.serverURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "agent shutting down")

	// Long installs stream large result payloads.
	conn.SetReadLimit(1 << 20)

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
	}()

	if err := c.write(ctx, map[string]string{"type": protocol.TypeBootstrapperConnect}); err != nil {
		return err
	}
	slog.Info("Connected to launcher server")

	for {
		_, message, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		env, err := protocol.Decode(message)
		if err != nil {
			slog.Warn("Malformed server frame", "error", err)
			continue
		}

		id, err := protocol.RequestID(env)
		if err != nil {
			slog.Warn("Request without correlation id", "type", env.Type, "error", err)
			continue
		}

		// Each operation runs in its own goroutine; the server serializes
		// what must not overlap.
		go c.execute(ctx, env, id)
	}
}

func (c *Client) execute(ctx context.Context, env protocol.Envelope, id string) {
	rep := c.reporter(ctx, id, env.Type)
	res := c.handler.Handle(ctx, env, id, rep)
	if err := c.write(ctx, res); err != nil {
		slog.Error("Failed to send result", "operation", env.Type, "id", id, "error", err)
	}
}

// reporter adapts progress updates into progress frames for this request.
func (c *Client) reporter(ctx context.Context, id, operation string) bootstrap.Reporter {
	return func(u bootstrap.Update) {
		frame := protocol.Progress{
			Type:            protocol.TypeProgress,
			ID:              id,
			Operation:       operation,
			Percent:         u.Percent,
			Message:         u.Message,
			BytesDownloaded: u.BytesDownloaded,
			BytesTotal:      u.BytesTotal,
		}
		if err := c.write(ctx, frame); err != nil {
			slog.Debug("Failed to send progress", "id", id, "error", err)
		}
	}
}

// write serializes all outbound frames over the single connection.
func (c *Client) write(ctx context.Context, v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}
