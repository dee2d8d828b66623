//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/chatkeeper/internal/completion"
	"github.com/ashureev/chatkeeper/internal/domain"
	"github.com/ashureev/chatkeeper/internal/identity"
	"github.com/ashureev/chatkeeper/internal/refine"
	"github.com/ashureev/chatkeeper/internal/session"
	"github.com/ashureev/chatkeeper/internal/store"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestWriteErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("chat 1: %w", errdefs.ErrNotFound), http.StatusNotFound},
		{"invalid", fmt.Errorf("empty name: %w", errdefs.ErrInvalidArgument), http.StatusBadRequest},
		{"provider", &completion.ProviderError{Provider: "openai", Err: errors.New("500")}, http.StatusBadGateway},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, httptest.NewRequest(http.MethodGet, "/api/x", nil), tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if strings.Contains(w.Body.String(), "disk on fire") {
				t.Errorf("error detail leaked: %s", w.Body.String())
			}
		})
	}
}

type echoClient struct {
	err error
}

func (c echoClient) Generate(_ context.Context, messages []domain.PromptMessage, _ string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "echo: " + messages[len(messages)-1].Content, nil
}

type testServer struct {
	*httptest.Server
	sessions *session.Manager
}

func newTestServer(t *testing.T, client completion.Client) *testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	sessions := session.NewManager(repo, client, refine.NewEngine(client, 2), session.Options{
		Catalog: completion.NewCatalog("gpt-4", []string{"gpt-4", "claude"}),
	})

	r := chi.NewRouter()
	r.Use(identity.Middleware(sessions, true))
	NewHealthHandler(repo, 0).RegisterHealth(r)
	NewChatHandler(NewHandler(sessions)).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, sessions: sessions}
}

func (s *testServer) do(t *testing.T, userID, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set(identity.UserHeaderName, userID)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, echoClient{})

	code, body := srv.do(t, "u1", http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
}

func TestMeRegistersUser(t *testing.T) {
	srv := newTestServer(t, echoClient{})

	code, body := srv.do(t, "u1", http.MethodGet, "/api/me", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "u1", body["user_id"])
	assert.Equal(t, false, body["reasoning_mode"])
	assert.Equal(t, "gpt-4", body["model"])

	code, body = srv.do(t, "u1", http.MethodGet, "/api/chats", "")
	require.Equal(t, http.StatusOK, code)
	chats := body["chats"].([]any)
	require.Len(t, chats, 1)
	assert.Equal(t, domain.DefaultChatName, chats[0].(map[string]any)["name"])
}

func TestSendMessageAndHistory(t *testing.T) {
	srv := newTestServer(t, echoClient{})

	code, body := srv.do(t, "u1", http.MethodPost, "/api/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "echo: hi", body["reply"])
	chatID := int64(body["chat_id"].(float64))

	code, body = srv.do(t, "u1", http.MethodGet, fmt.Sprintf("/api/chats/%d/messages?limit=10", chatID), "")
	require.Equal(t, http.StatusOK, code)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])

	code, _ = srv.do(t, "u1", http.MethodPost, "/api/messages", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHistoryLimitBounds(t *testing.T) {
	srv := newTestServer(t, echoClient{})

	_, body := srv.do(t, "u1", http.MethodPost, "/api/messages", `{"text":"hi"}`)
	chatID := int64(body["chat_id"].(float64))

	tests := []struct {
		limit string
		want  int
	}{
		{"1", http.StatusOK},
		{"1000", http.StatusOK},
		{"1001", http.StatusBadRequest},
		{"1099511627776", http.StatusBadRequest},
		{"-1", http.StatusBadRequest},
		{"ten", http.StatusBadRequest},
	}
	for _, tt := range tests {
		code, _ := srv.do(t, "u1", http.MethodGet, fmt.Sprintf("/api/chats/%d/messages?limit=%s", chatID, tt.limit), "")
		assert.Equal(t, tt.want, code, "limit=%s", tt.limit)
	}
}

func TestSendMessageProviderFailure(t *testing.T) {
	srv := newTestServer(t, echoClient{err: &completion.ProviderError{Provider: "openai", Err: errors.New("secret upstream detail")}})

	code, body := srv.do(t, "u1", http.MethodPost, "/api/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.NotContains(t, body["error"], "secret")
}

func TestChatLifecycle(t *testing.T) {
	srv := newTestServer(t, echoClient{})

	code, body := srv.do(t, "u1", http.MethodPost, "/api/chats", `{"name":"Work"}`)
	require.Equal(t, http.StatusCreated, code)
	id := int64(body["id"].(float64))
	assert.Equal(t, true, body["is_active"])

	code, _ = srv.do(t, "u1", http.MethodPatch, fmt.Sprintf("/api/chats/%d", id), `{"name":"Job"}`)
	require.Equal(t, http.StatusOK, code)

	code, _ = srv.do(t, "u1", http.MethodPost, fmt.Sprintf("/api/chats/%d/activate", id), "")
	require.Equal(t, http.StatusOK, code)

	code, _ = srv.do(t, "u1", http.MethodDelete, fmt.Sprintf("/api/chats/%d/messages", id), "")
	require.Equal(t, http.StatusOK, code)

	code, _ = srv.do(t, "u1", http.MethodDelete, fmt.Sprintf("/api/chats/%d", id), "")
	require.Equal(t, http.StatusOK, code)

	code, body = srv.do(t, "u1", http.MethodGet, "/api/chats", "")
	require.Equal(t, http.StatusOK, code)
	chats := body["chats"].([]any)
	require.Len(t, chats, 1)
	assert.Equal(t, true, chats[0].(map[string]any)["is_active"])
}

func TestForeignChatReturnsNotFound(t *testing.T) {
	srv := newTestServer(t, echoClient{})

	_, body := srv.do(t, "owner", http.MethodPost, "/api/chats", `{"name":"Private"}`)
	id := int64(body["id"].(float64))

	code, _ := srv.do(t, "intruder", http.MethodDelete, fmt.Sprintf("/api/chats/%d", id), "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = srv.do(t, "intruder", http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", id), "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = srv.do(t, "owner", http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", id), "")
	assert.Equal(t, http.StatusOK, code)
}

func TestBadChatID(t *testing.T) {
	srv := newTestServer(t, echoClient{})

	code, _ := srv.do(t, "u1", http.MethodPost, "/api/chats/abc/activate", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTogglesAndModels(t *testing.T) {
	srv := newTestServer(t, echoClient{})

	code, body := srv.do(t, "u1", http.MethodPost, "/api/reasoning/toggle", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["enabled"])

	code, body = srv.do(t, "u1", http.MethodPost, "/api/refine/toggle", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["enabled"])

	code, body = srv.do(t, "u1", http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "gpt-4", body["current"])
	assert.Len(t, body["models"], 2)

	code, _ = srv.do(t, "u1", http.MethodPut, "/api/model", `{"model":"claude"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = srv.do(t, "u1", http.MethodPut, "/api/model", `{"model":"unknown"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	_, body = srv.do(t, "u1", http.MethodGet, "/api/me", "")
	assert.Equal(t, "claude", body["model"])
	assert.Equal(t, true, body["refine_mode"])
}
