package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/chatkeeper/internal/domain"
	"github.com/ashureev/chatkeeper/internal/identity"
	"github.com/go-chi/chi/v5"
)

// ChatHandler exposes chat management and turns over JSON.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)

		r.Get("/chats", h.ListChats)
		r.Post("/chats", h.CreateChat)
		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Patch("/", h.RenameChat)
			r.Delete("/", h.DeleteChat)
			r.Post("/activate", h.ActivateChat)
			r.Get("/messages", h.History)
			r.Delete("/messages", h.ClearChat)
		})

		r.Post("/messages", h.SendMessage)
		r.Post("/reasoning/toggle", h.ToggleReasoning)
		r.Post("/refine/toggle", h.ToggleRefine)
		r.Get("/models", h.ListModels)
		r.Put("/model", h.SelectModel)
	})
}

type chatResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type messageResponse struct {
	ID        int64       `json:"id"`
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

type chatOp func(ctx context.Context, userID string, chatID int64) error

type nameRequest struct {
	Name string `json:"name"`
}

func toChatResponse(c domain.Chat) chatResponse {
	return chatResponse{ID: c.ID, Name: c.Name, IsActive: c.IsActive, CreatedAt: c.CreatedAt}
}

// GetMe returns the current user's settings.
func (h *ChatHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	user, err := h.sessions.User(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        user.UserID,
		"username":       identity.UsernameFromContext(r.Context()),
		"reasoning_mode": user.ReasoningMode,
		"refine_mode":    user.RefineMode,
		"model":          user.ModelOr(h.sessions.Catalog().Default()),
	})
}

// ListChats returns the user's chats, newest first.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.sessions.ListChats(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		out = append(out, toChatResponse(c))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"chats": out})
}

// CreateChat creates and activates a chat.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	chat, err := h.sessions.CreateChat(r.Context(), identity.UserIDFromContext(r.Context()), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, toChatResponse(*chat))
}

// RenameChat renames a chat.
func (h *ChatHandler) RenameChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := chatIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req nameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.sessions.RenameChat(r.Context(), identity.UserIDFromContext(r.Context()), chatID, req.Name); err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

// ActivateChat makes a chat the active one.
func (h *ChatHandler) ActivateChat(w http.ResponseWriter, r *http.Request) {
	h.chatAction(w, r, h.sessions.ActivateChat, "activated")
}

// ClearChat deletes a chat's messages.
func (h *ChatHandler) ClearChat(w http.ResponseWriter, r *http.Request) {
	h.chatAction(w, r, h.sessions.ClearChat, "cleared")
}

// DeleteChat deletes a chat and its messages.
func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	h.chatAction(w, r, h.sessions.DeleteChat, "deleted")
}

func (h *ChatHandler) chatAction(w http.ResponseWriter, r *http.Request, op chatOp, status string) {
	chatID, err := chatIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := op(r.Context(), identity.UserIDFromContext(r.Context()), chatID); err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": status})
}

// MaxHistoryLimit is the largest accepted ?limit for a history read.
const MaxHistoryLimit = 1000

// History returns the most recent messages of a chat, oldest first.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	chatID, err := chatIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 || limit > MaxHistoryLimit {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	history, err := h.sessions.History(r.Context(), identity.UserIDFromContext(r.Context()), chatID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]messageResponse, 0, len(history))
	for _, m := range history {
		out = append(out, messageResponse{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"chat_id": chatID, "messages": out})
}

// SendMessage runs one turn in the active chat.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	turn, err := h.sessions.HandleUserMessageVia(r.Context(), "http", identity.UserIDFromContext(r.Context()), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"reply":   turn.Reply,
		"chat_id": turn.ChatID,
		"model":   turn.Model,
		"refined": turn.Refined,
		"turn_id": turn.ID,
	})
}

// ToggleReasoning flips reasoning mode.
func (h *ChatHandler) ToggleReasoning(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.sessions.ToggleReasoningMode(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// ToggleRefine flips refinement mode.
func (h *ChatHandler) ToggleRefine(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.sessions.ToggleRefineMode(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// ListModels returns the model catalog and the user's current model.
func (h *ChatHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	models, current, err := h.sessions.Models(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"models": models, "current": current})
}

// SelectModel sets the user's model.
func (h *ChatHandler) SelectModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.sessions.SelectModel(r.Context(), identity.UserIDFromContext(r.Context()), req.Model); err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"model": req.Model})
}
