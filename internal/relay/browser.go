package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/mindloom-ai/launcher/internal/protocol"
	"github.com/mindloom-ai/launcher/internal/session"
)

// TurnSink accepts conversational turns from the browser.
type TurnSink interface {
	EnqueueUserMessage(content string) error
}

// BrowserHub fans server events out to every attached browser tab and feeds
// user messages into the orchestrator.
type BrowserHub struct {
	sess          *session.Session
	allowedOrigin string

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewBrowserHub creates the hub for the given session.
func NewBrowserHub(sess *session.Session, allowedOrigin string) *BrowserHub {
	return &BrowserHub{
		sess:          sess,
		allowedOrigin: allowedOrigin,
		conns:         make(map[*websocket.Conn]struct{}),
	}
}

// Broadcast sends one frame to every attached browser. Send failures detach
// the offending connection; its read loop will observe the close and exit.
func (h *BrowserHub) Broadcast(v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode broadcast frame", "error", err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.Write(context.Background(), websocket.MessageText, data); err != nil {
			slog.Debug("Browser write failed, dropping connection", "error", err)
			h.remove(c)
			_ = c.Close(websocket.StatusNormalClosure, "write failed")
		}
	}
}

// BroadcastStatus sends the agent link state to every browser.
func (h *BrowserHub) BroadcastStatus(agentConnected bool) {
	h.Broadcast(protocol.StatusUpdate{
		Type:                  protocol.TypeStatusUpdate,
		BootstrapperConnected: agentConnected,
	})
}

// BroadcastError sends a user-visible failure notice to every browser.
func (h *BrowserHub) BroadcastError(message string) {
	h.Broadcast(protocol.ErrorMessage{Type: protocol.TypeError, Message: message})
}

// ServeWS upgrades and runs one browser connection until it drops.
func (h *BrowserHub) ServeWS(sink TurnSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Info("Browser connection request", "ip", r.RemoteAddr)

		if !h.checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			slog.Error("Failed to accept browser websocket", "error", err)
			return
		}
		defer func() {
			if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
				slog.Debug("Failed to close browser websocket", "error", closeErr)
			}
		}()

		h.add(ws)
		defer h.remove(ws)

		// New tabs learn the agent link state immediately.
		h.writeJSON(ws, protocol.StatusUpdate{
			Type:                  protocol.TypeStatusUpdate,
			BootstrapperConnected: h.sess.AgentConnected(),
		})

		h.readLoop(r.Context(), ws, sink)
	}
}

func (h *BrowserHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("Browser origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *BrowserHub) add(ws *websocket.Conn) {
	h.mu.Lock()
	h.conns[ws] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.sess.SetBrowserConnected(true)
	slog.Info("Browser attached", "browsers", n)
}

func (h *BrowserHub) remove(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, ws)
	n := len(h.conns)
	h.mu.Unlock()
	if n == 0 {
		h.sess.SetBrowserConnected(false)
	}
	slog.Info("Browser detached", "browsers", n)
}

func (h *BrowserHub) readLoop(ctx context.Context, ws *websocket.Conn, sink TurnSink) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Browser websocket closed")
			} else {
				slog.Warn("Browser websocket read error", "error", err)
			}
			return
		}

		env, err := protocol.Decode(message)
		if err != nil {
			slog.Warn("Malformed browser frame", "error", err)
			h.writeJSON(ws, protocol.ErrorMessage{Type: protocol.TypeError, Message: "malformed message"})
			continue
		}

		switch env.Type {
		case protocol.TypeBrowserConnect:
			slog.Info("Browser announced itself")
		case protocol.TypeUserMessage:
			var msg protocol.UserMessage
			if err := env.Payload(&msg); err != nil {
				slog.Warn("Malformed user message", "error", err)
				continue
			}
			if msg.Content == "" {
				continue
			}
			if err := sink.EnqueueUserMessage(msg.Content); err != nil {
				slog.Warn("Turn rejected", "error", err)
				h.writeJSON(ws, protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error()})
			}
		default:
			slog.Warn("Unexpected browser frame type", "type", env.Type)
		}
	}
}

func (h *BrowserHub) writeJSON(ws *websocket.Conn, v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode frame", "error", err)
		return
	}
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("Browser write failed", "error", err)
	}
}
