// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	AnonCookieName   = "shsh_anon_id"
	ViewerHeaderName = "X-SHSH-Viewer-ID"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	viewerIDKey contextKey = iota
	viewerNameKey
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// ViewerIDFromContext extracts the viewer ID from the request context.
func ViewerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(viewerIDKey).(string); ok {
		return v
	}
	return ""
}

// ViewerNameFromContext extracts the display name from the request context.
func ViewerNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(viewerNameKey).(string); ok {
		return v
	}
	return ""
}

// WithViewer returns ctx carrying viewerID. Used by non-HTTP callers and tests.
func WithViewer(ctx context.Context, viewerID string) context.Context {
	ctx = context.WithValue(ctx, viewerIDKey, viewerID)
	return context.WithValue(ctx, viewerNameKey, deriveName(viewerID))
}

// NewViewerID returns a fresh anonymous viewer ID.
func NewViewerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

// IsValidViewerID reports whether id has the anonymous viewer format.
func IsValidViewerID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// IsValidSessionID reports whether id is acceptable as a client-chosen
// session ID.
func IsValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(strings.TrimSpace(id))
}

func deriveName(viewerID string) string {
	if len(viewerID) > 13 {
		return "anon-" + viewerID[len(viewerID)-8:]
	}
	return "anon-user"
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

// getOrCreateViewerID prefers the cookie, then the viewer header (for
// non-browser clients), and mints a new ID otherwise. The cookie is
// refreshed on every request.
func getOrCreateViewerID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && IsValidViewerID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}
	if h := strings.TrimSpace(r.Header.Get(ViewerHeaderName)); IsValidViewerID(h) {
		return h, nil
	}

	id, err := NewViewerID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// Middleware injects anonymous per-device identity.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewerID, err := getOrCreateViewerID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithViewer(r.Context(), viewerID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
