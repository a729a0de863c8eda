package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmeshcher/leadflow-system/internal/model"
)

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		actor, ok := GetActorFromContext(r.Context())
		if !ok {
			t.Fatalf("actor not in context")
		}
		if actor.ID != 42 {
			t.Fatalf("actor id from context = %d, want 42", actor.ID)
		}
		if actor.Role != model.RoleAdmin {
			t.Fatalf("actor role from context = %s, want admin", actor.Role)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	m.SetAuthCookie(w, Actor{ID: 42, Role: model.RoleAdmin})
	res := w.Result()
	resCookies := res.Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_TamperedCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	other.SetAuthCookie(w, Actor{ID: 1, Role: model.RoleAdmin})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.AddCookie(w.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(rec, r)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestRequireRole(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})

	w := httptest.NewRecorder()
	m.SetAuthCookie(w, Actor{ID: 7, Role: model.RolePartner})

	r := httptest.NewRequest(http.MethodGet, "/admin", nil)
	r.AddCookie(w.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	m.Middleware(RequireRole(model.RoleAdmin)(next)).ServeHTTP(rec, r)

	if nextCalled {
		t.Fatalf("partner must not pass admin-only route")
	}
	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}

	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/admin", nil)
	w = httptest.NewRecorder()
	m.SetAuthCookie(w, Actor{ID: 1, Role: model.RoleAdmin})
	r.AddCookie(w.Result().Cookies()[0])

	m.Middleware(RequireRole(model.RoleAdmin)(next)).ServeHTTP(rec, r)
	if !nextCalled {
		t.Fatalf("admin must pass admin-only route")
	}
}
