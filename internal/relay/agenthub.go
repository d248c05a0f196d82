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

// AgentHub owns the single agent websocket link. At most one agent is
// attached at a time; a new connection replaces the old one, since a
// restarted agent on the same machine is the common case.
type AgentHub struct {
	sess *session.Session

	mu   sync.Mutex
	conn *websocket.Conn

	// onStatusChange fires after the link comes up or goes down, so the
	// browser side can broadcast a status_update.
	onStatusChange func(connected bool)
}

// NewAgentHub creates the hub for the given session. The agent is a native
// process and sends no Origin header, so there is no origin check here.
func NewAgentHub(sess *session.Session) *AgentHub {
	return &AgentHub{sess: sess}
}

// OnStatusChange registers the link state callback.
func (h *AgentHub) OnStatusChange(fn func(connected bool)) {
	h.onStatusChange = fn
}

// Connected reports whether an agent link is attached.
func (h *AgentHub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Send writes one frame to the attached agent.
func (h *AgentHub) Send(ctx context.Context, frame []byte) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrLinkDown
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

// Resolver receives frames read off the agent link.
type Resolver interface {
	Resolve(res protocol.ToolResult) bool
	NotifyProgress(p protocol.Progress)
	FailAll(err error)
}

// ServeWS upgrades and runs one agent connection until it drops.
func (h *AgentHub) ServeWS(resolver Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Info("Agent connection request", "ip", r.RemoteAddr)

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			slog.Error("Failed to accept agent websocket", "error", err)
			return
		}
		defer func() {
			if closeErr := ws.Close(websocket.StatusNormalClosure, "link closed"); closeErr != nil {
				slog.Debug("Failed to close agent websocket", "error", closeErr)
			}
		}()

		h.attach(ws)
		defer h.detach(ws, resolver)

		h.readLoop(r.Context(), ws, resolver)
	}
}

// attach installs the connection, replacing any previous one.
func (h *AgentHub) attach(ws *websocket.Conn) {
	h.mu.Lock()
	old := h.conn
	h.conn = ws
	h.mu.Unlock()

	if old != nil {
		slog.Warn("Replacing existing agent link")
		if err := old.Close(websocket.StatusPolicyViolation, "replaced by newer connection"); err != nil {
			slog.Debug("Failed to close replaced agent link", "error", err)
		}
	}

	h.sess.SetAgentConnected(true)
	if h.onStatusChange != nil {
		h.onStatusChange(true)
	}
	slog.Info("Agent link attached")
}

// detach clears the connection if it is still the active one and rejects
// every in-flight request, since no result is coming over a dropped link.
func (h *AgentHub) detach(ws *websocket.Conn, resolver Resolver) {
	h.mu.Lock()
	active := h.conn == ws
	if active {
		h.conn = nil
	}
	h.mu.Unlock()

	if !active {
		// A newer connection replaced this one; its state already stands.
		return
	}

	resolver.FailAll(ErrLinkDown)
	h.sess.SetAgentConnected(false)
	if h.onStatusChange != nil {
		h.onStatusChange(false)
	}
	slog.Info("Agent link detached")
}

func (h *AgentHub) readLoop(ctx context.Context, ws *websocket.Conn, resolver Resolver) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Agent websocket closed")
			} else {
				slog.Warn("Agent websocket read error", "error", err)
			}
			return
		}

		env, err := protocol.Decode(message)
		if err != nil {
			slog.Warn("Malformed agent frame", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeBootstrapperConnect:
			slog.Info("Agent announced itself")
		case protocol.TypeToolResult:
			var res protocol.ToolResult
			if err := env.Payload(&res); err != nil {
				slog.Warn("Malformed tool result", "error", err)
				continue
			}
			if !resolver.Resolve(res) {
				// Late result for a request that already timed out.
				slog.Warn("Discarding unmatched tool result", "id", res.ID)
			}
		case protocol.TypeProgress:
			var p protocol.Progress
			if err := env.Payload(&p); err != nil {
				slog.Warn("Malformed progress frame", "error", err)
				continue
			}
			resolver.NotifyProgress(p)
		default:
			slog.Warn("Unexpected agent frame type", "type", env.Type)
		}
	}
}
