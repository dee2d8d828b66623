// Package identity resolves who is talking to the HTTP and WebSocket
// transports: an explicit X-User-ID header, or an anonymous per-device cookie.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/chatkeeper/internal/domain"
)

const (
	AnonCookieName   = "chatkeeper_anon_id"
	UserHeaderName   = "X-User-ID"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// Registrar returns a user, registering them on first contact.
type Registrar interface {
	User(ctx context.Context, userID string) (*domain.User, error)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying userID, as the middleware would.
func WithUserID(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, deriveUsername(userID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func deriveUsername(userID string) string {
	if strings.HasPrefix(userID, "anon_") && len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return userID
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// userIDFromRequest prefers an explicit header; an invalid header is an error
// rather than a silent fallback to the cookie.
func userIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if h := strings.TrimSpace(r.Header.Get(UserHeaderName)); h != "" {
		if !userIDPattern.MatchString(h) {
			return "", fmt.Errorf("invalid %s header", UserHeaderName)
		}
		return h, nil
	}
	return getOrCreateAnonID(w, r, isDev)
}

// Middleware injects the caller's identity and registers unknown users.
func Middleware(users Registrar, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := userIDFromRequest(w, r, isDev)
			if err != nil {
				slog.Warn("Rejected user identity", "remote_ip", IPFromRequest(r), "error", err)
				http.Error(w, `{"error":"invalid user identity"}`, http.StatusBadRequest)
				return
			}

			if _, err := users.User(r.Context(), userID); err != nil {
				slog.Error("Failed to initialize user", "user_id", userID, "remote_ip", IPFromRequest(r), "error", err)
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns the caller's address for logs. IPv4-mapped IPv6
// addresses are unmapped; unparsable RemoteAddr values are returned as is.
func IPFromRequest(r *http.Request) string {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if addr, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		return addr.Unmap().String()
	}
	return r.RemoteAddr
}
