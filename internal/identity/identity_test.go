package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ashureev/chatkeeper/internal/domain"
)

type fakeRegistrar struct {
	mu    sync.Mutex
	seen  []string
	fails bool
}

func (f *fakeRegistrar) User(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails {
		return nil, errors.New("db down")
	}
	f.seen = append(f.seen, userID)
	return &domain.User{UserID: userID}, nil
}

func serve(t *testing.T, reg Registrar, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var got string
	h := Middleware(reg, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, got
}

func TestMiddlewareUsesHeader(t *testing.T) {
	reg := &fakeRegistrar{}
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(UserHeaderName, "tg:42")

	w, got := serve(t, reg, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got != "tg:42" {
		t.Errorf("user id = %q, want tg:42", got)
	}
	if len(reg.seen) != 1 || reg.seen[0] != "tg:42" {
		t.Errorf("registrar calls = %v", reg.seen)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("header identity should not set a cookie")
	}
}

func TestMiddlewareRejectsBadHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(UserHeaderName, "bad id with spaces")

	w, _ := serve(t, &fakeRegistrar{}, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestMiddlewareIssuesAndReusesAnonCookie(t *testing.T) {
	reg := &fakeRegistrar{}
	w, first := serve(t, reg, httptest.NewRequest(http.MethodGet, "/", nil))
	if !isValidAnonID(first) {
		t.Fatalf("anon id %q has wrong shape", first)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName {
		t.Fatalf("cookies = %v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	_, second := serve(t, reg, req)
	if second != first {
		t.Errorf("second request id = %q, want %q", second, first)
	}
}

func TestMiddlewareRegistrarFailure(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "u1")

	w, _ := serve(t, &fakeRegistrar{fails: true}, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestDeriveUsername(t *testing.T) {
	if got := deriveUsername("anon_0123456789abcdef0123456789abcdef"); got != "anon-89abcdef" {
		t.Errorf("anon username = %q", got)
	}
	if got := deriveUsername("tg:42"); got != "tg:42" {
		t.Errorf("explicit username = %q", got)
	}
}

func TestIPFromRequest(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.7:51234", "192.0.2.7"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"[::ffff:192.0.2.7]:80", "192.0.2.7"},
		{"192.0.2.7", "192.0.2.7"},
		{"pipe", "pipe"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if got := IPFromRequest(req); got != tt.want {
			t.Errorf("IPFromRequest(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
