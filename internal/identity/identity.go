// Package identity gives each browser an anonymous caller ID.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CookieName holds the caller ID between requests.
	CookieName   = "quote_caller"
	cookieMaxAge = 30 * 24 * time.Hour
	callerPrefix = "caller_"
)

type contextKey int

const userIDKey contextKey = iota

// UserIDFromContext extracts the caller ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func newCallerID() string {
	return callerPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func isValidCallerID(id string) bool {
	raw, ok := strings.CutPrefix(id, callerPrefix)
	if !ok || len(raw) != 32 {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil
}

func callerCookie(id string, isDev bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	}
}

// Middleware resolves the caller ID from its cookie, minting a new one when
// the cookie is missing or malformed, and refreshes the cookie expiry.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if c, err := r.Cookie(CookieName); err == nil && isValidCallerID(c.Value) {
				id = c.Value
			} else {
				id = newCallerID()
			}
			http.SetCookie(w, callerCookie(id, isDev))
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

// ClientKey identifies the caller for rate limiting: the caller ID when
// known, the remote IP otherwise.
func ClientKey(r *http.Request) string {
	if id := UserIDFromContext(r.Context()); id != "" {
		return id
	}
	return IPFromRequest(r)
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
