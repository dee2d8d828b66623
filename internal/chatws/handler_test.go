package chatws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatkeeper/internal/dispatch"
	"github.com/ashureev/chatkeeper/internal/domain"
	"github.com/ashureev/chatkeeper/internal/identity"
	"github.com/ashureev/chatkeeper/internal/refine"
	"github.com/ashureev/chatkeeper/internal/session"
	"github.com/ashureev/chatkeeper/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upperClient struct{}

func (upperClient) Generate(_ context.Context, messages []domain.PromptMessage, _ string) (string, error) {
	return strings.ToUpper(messages[len(messages)-1].Content), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	sessions := session.NewManager(repo, upperClient{}, refine.NewEngine(upperClient{}, 1), session.Options{})
	registry := NewRegistry()
	h := NewHandler(dispatch.New(sessions, nil), registry, "", true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(identity.WithUserID(r.Context(), "ws-user")))
	}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn, ctx
}

func roundTrip(t *testing.T, ctx context.Context, conn *websocket.Conn, in InFrame) OutFrame {
	t.Helper()
	require.NoError(t, wsjson.Write(ctx, conn, in))
	var out OutFrame
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	return out
}

func TestTextFrameRunsTurn(t *testing.T) {
	srv, registry := newTestServer(t)
	conn, ctx := dial(t, srv)

	out := roundTrip(t, ctx, conn, InFrame{Type: FrameText, Text: "hello"})
	assert.Equal(t, FrameReply, out.Type)
	assert.Equal(t, "HELLO", out.Text)
	assert.Equal(t, 1, registry.Count("ws-user"))
}

func TestActionFrames(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, ctx := dial(t, srv)

	list := roundTrip(t, ctx, conn, InFrame{Type: FrameText, Text: "/chats"})
	require.NotEmpty(t, list.Buttons)
	newChat := list.Buttons[len(list.Buttons)-1][0]

	prompt := roundTrip(t, ctx, conn, InFrame{Type: FrameAction, Action: newChat.Action})
	assert.Equal(t, "Введите название для нового чата:", prompt.Text)

	updated := roundTrip(t, ctx, conn, InFrame{Type: FrameText, Text: "Ideas"})
	assert.Equal(t, "✅ Ideas", updated.Buttons[0][0].Text)
}

func TestPingAndUnknownFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, ctx := dial(t, srv)

	assert.Equal(t, FramePong, roundTrip(t, ctx, conn, InFrame{Type: FramePing}).Type)
	assert.Equal(t, FrameError, roundTrip(t, ctx, conn, InFrame{Type: "resize"}).Type)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("u", "c1", nil)
	r.Register("u", "c2", nil)
	assert.Equal(t, 2, r.Count("u"))

	r.Unregister("u", "c1")
	r.Unregister("u", "missing")
	assert.Equal(t, 1, r.Count("u"))

	r.Unregister("u", "c2")
	assert.Equal(t, 0, r.Count("u"))
}
