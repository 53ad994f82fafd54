// Package identity resolves the caller of each request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/aj-server/internal/domain"
	"github.com/ashureev/aj-server/internal/store"
)

const (
	// UserHeaderName carries the user ID set by a trusted upstream proxy.
	UserHeaderName   = "X-Authenticated-User"
	AnonCookieName   = "aj_anon_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const userIDKey contextKey = iota

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@|-]{1,128}$`)
)

// Options controls how callers are identified.
type Options struct {
	// TrustUserHeader accepts UserHeaderName as the caller identity. Enable
	// only behind a proxy that sets and strips it.
	TrustUserHeader bool
	// AllowAnonymous issues a device cookie to callers without a trusted header.
	AllowAnonymous bool
	// IsDevelopment drops the Secure flag from the device cookie.
	IsDevelopment bool
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
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

func ensureUser(ctx context.Context, users store.UserStore, userID string) error {
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}

	now := time.Now()
	return users.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
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

// resolve returns the caller's user ID, or "" when the request is
// unauthenticated.
func resolve(w http.ResponseWriter, r *http.Request, opts Options) (string, error) {
	if opts.TrustUserHeader {
		if id := strings.TrimSpace(r.Header.Get(UserHeaderName)); id != "" {
			if !userIDPattern.MatchString(id) {
				return "", nil
			}
			return id, nil
		}
	}
	if !opts.AllowAnonymous {
		return "", nil
	}
	return getOrCreateAnonID(w, r, opts.IsDevelopment)
}

// Middleware injects the caller's identity. Requests without one pass
// through unauthenticated; handlers decide whether to reject them.
func Middleware(users store.UserStore, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolve(w, r, opts)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := ensureUser(r.Context(), users, userID); err != nil {
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
