// Package chatws serves the chat over a WebSocket using JSON frames.
package chatws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatkeeper/internal/dispatch"
	"github.com/ashureev/chatkeeper/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// Frame types.
const (
	FrameText   = "text"
	FrameAction = "action"
	FramePing   = "ping"
	FramePong   = "pong"
	FrameReply  = "reply"
	FrameError  = "error"
)

// InFrame is a client message.
type InFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Action string `json:"action,omitempty"`
}

// OutFrame is a server message.
type OutFrame struct {
	Type    string              `json:"type"`
	Text    string              `json:"text,omitempty"`
	Notice  string              `json:"notice,omitempty"`
	Alert   bool                `json:"alert,omitempty"`
	Edit    bool                `json:"edit,omitempty"`
	Buttons [][]dispatch.Button `json:"buttons,omitempty"`
}

// Handler upgrades requests and relays frames to the dispatcher.
type Handler struct {
	dispatcher    *dispatch.Dispatcher
	registry      *Registry
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a new WebSocket chat handler.
func NewHandler(d *dispatch.Dispatcher, registry *Registry, allowedOrigin string, isDev bool) *Handler {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Handler{
		dispatcher:    d,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID, "remote_ip", identity.IPFromRequest(r))
		return
	}
	ws.SetReadLimit(readLimit)

	connID := uuid.NewString()
	slog.Info("Chat WebSocket opened", "user_id", userID, "conn_id", connID, "remote_ip", identity.IPFromRequest(r))
	h.registry.Register(userID, connID, ws)
	defer h.registry.Unregister(userID, connID)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.readLoop(r.Context(), ws, userID, connID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop handles frames one at a time so replies keep the order of requests.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, connID string) {
	for {
		var in InFrame
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "user_id", userID, "conn_id", connID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID, "conn_id", connID)
			}
			return
		}

		out, ok := h.handle(ctx, userID, in)
		if !ok {
			continue
		}
		if err := write(ctx, ws, out); err != nil {
			slog.Debug("WebSocket write error", "error", err, "user_id", userID, "conn_id", connID)
			return
		}
	}
}

func (h *Handler) handle(ctx context.Context, userID string, in InFrame) (OutFrame, bool) {
	var reply dispatch.Reply
	switch in.Type {
	case FramePing:
		return OutFrame{Type: FramePong}, true
	case FrameText:
		reply = h.dispatcher.HandleText(ctx, dispatch.Inbound{Channel: "websocket", UserID: userID, Text: in.Text})
	case FrameAction:
		reply = h.dispatcher.HandleAction(ctx, userID, in.Action)
	default:
		return OutFrame{Type: FrameError, Text: "unknown frame type"}, true
	}
	if reply.Text == "" && reply.Notice == "" {
		return OutFrame{}, false
	}
	return OutFrame{
		Type:    FrameReply,
		Text:    reply.Text,
		Notice:  reply.Notice,
		Alert:   reply.Alert,
		Edit:    reply.Edit,
		Buttons: reply.Buttons,
	}, true
}

func write(ctx context.Context, ws *websocket.Conn, v OutFrame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}
