package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ashureev/aj-server/internal/domain"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (m *memUsers) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID], nil
}

func (m *memUsers) UpsertUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.UserID] = user
	return nil
}

func serve(t *testing.T, users *memUsers, opts Options, req *http.Request) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var seen string
	h := Middleware(users, opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return seen, w
}

func TestMiddlewareTrustedHeader(t *testing.T) {
	users := &memUsers{users: map[string]*domain.User{}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "user-42")

	got, w := serve(t, users, Options{TrustUserHeader: true, AllowAnonymous: true}, req)
	if got != "user-42" {
		t.Fatalf("user = %q, want user-42", got)
	}
	if users.users["user-42"] == nil {
		t.Fatal("user record was not created")
	}
	if len(w.Result().Cookies()) != 0 {
		t.Fatal("trusted callers must not receive a device cookie")
	}
}

func TestMiddlewareAnonymousCookie(t *testing.T) {
	users := &memUsers{users: map[string]*domain.User{}}

	first, w := serve(t, users, Options{AllowAnonymous: true, IsDevelopment: true}, httptest.NewRequest(http.MethodGet, "/", nil))
	if !isValidAnonID(first) {
		t.Fatalf("anonymous id = %q", first)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != first {
		t.Fatalf("cookies = %+v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	second, _ := serve(t, users, Options{AllowAnonymous: true, IsDevelopment: true}, req)
	if second != first {
		t.Fatalf("cookie identity changed: %q != %q", second, first)
	}
}

func TestMiddlewareUnauthenticated(t *testing.T) {
	users := &memUsers{users: map[string]*domain.User{}}

	got, _ := serve(t, users, Options{}, httptest.NewRequest(http.MethodGet, "/", nil))
	if got != "" {
		t.Fatalf("user = %q, want none", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "bad id with spaces")
	got, _ = serve(t, users, Options{TrustUserHeader: true}, req)
	if got != "" {
		t.Fatalf("malformed header accepted as %q", got)
	}
}

func TestMiddlewareIgnoresUserHeaderUnlessTrusted(t *testing.T) {
	users := &memUsers{users: map[string]*domain.User{}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "user-42")
	got, _ := serve(t, users, Options{}, req)
	if got != "" {
		t.Fatalf("untrusted header accepted as %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "user-42")
	got, w := serve(t, users, Options{AllowAnonymous: true, IsDevelopment: true}, req)
	if got == "user-42" || !isValidAnonID(got) {
		t.Fatalf("user = %q, want a fresh anonymous id", got)
	}
	if len(w.Result().Cookies()) != 1 {
		t.Fatal("untrusted header should fall back to a device cookie")
	}
	if users.users["user-42"] != nil {
		t.Fatal("user record was created from an untrusted header")
	}
}
