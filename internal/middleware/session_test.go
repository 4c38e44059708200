package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/issuedesk/internal/model"
)

// --- モック定義 ---

type mockSessionResolver struct {
	resolveFn func(ctx context.Context, token string) (*model.Session, error)
	tokens    []string
}

func (m *mockSessionResolver) ResolveSession(ctx context.Context, token string) (*model.Session, error) {
	m.tokens = append(m.tokens, token)
	if m.resolveFn != nil {
		return m.resolveFn(ctx, token)
	}
	return nil, model.NewUnauthenticatedError()
}

func validResolver(token, principalID string) *mockSessionResolver {
	return &mockSessionResolver{
		resolveFn: func(ctx context.Context, got string) (*model.Session, error) {
			if got != token {
				return nil, model.NewUnauthenticatedError()
			}
			return &model.Session{
				ID:          token,
				PrincipalID: principalID,
				Role:        model.RoleMaintainer,
				ExpiresAt:   time.Now().Add(time.Hour),
			}, nil
		},
	}
}

// --- テスト ---

func TestSessionMiddleware_CookieInjectsSession(t *testing.T) {
	mw := NewSessionMiddleware(validResolver("valid-token", "principal-123"))

	var captured *model.Session
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if captured == nil || captured.PrincipalID != "principal-123" {
		t.Errorf("session = %+v, want principal-123", captured)
	}
}

func TestSessionMiddleware_BearerTakesPrecedence(t *testing.T) {
	resolver := validResolver("bearer-token", "principal-1")
	handler := NewSessionMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	req.Header.Set("Authorization", "bearer bearer-token")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "cookie-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(resolver.tokens) != 1 || resolver.tokens[0] != "bearer-token" {
		t.Errorf("resolved tokens = %v, want [bearer-token]", resolver.tokens)
	}
}

func TestSessionMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(r *http.Request)
		resolver *mockSessionResolver
		want     int
		wantCode string
	}{
		{
			name:     "no token",
			setup:    func(r *http.Request) {},
			resolver: &mockSessionResolver{},
			want:     http.StatusUnauthorized,
			wantCode: model.ErrCodeUnauthenticated,
		},
		{
			name:     "unknown token",
			setup:    func(r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "nope"}) },
			resolver: &mockSessionResolver{},
			want:     http.StatusUnauthorized,
			wantCode: model.ErrCodeUnauthenticated,
		},
		{
			name:  "empty bearer",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer ") },
			resolver: &mockSessionResolver{},
			want:     http.StatusUnauthorized,
			wantCode: model.ErrCodeUnauthenticated,
		},
		{
			name:  "store failure",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") },
			resolver: &mockSessionResolver{resolveFn: func(context.Context, string) (*model.Session, error) {
				return nil, errors.New("connection refused")
			}},
			want:     http.StatusInternalServerError,
			wantCode: "INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSessionMiddleware(tt.resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/issues", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestSessionFromContext_Missing(t *testing.T) {
	if _, ok := SessionFromContext(context.Background()); ok {
		t.Error("expected no session in empty context")
	}
	if _, ok := SessionFromContext(ContextWithSession(context.Background(), nil)); ok {
		t.Error("nil session should not be reported")
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := TokenFromRequest(req); got != "" {
		t.Errorf("TokenFromRequest() = %q, want empty", got)
	}
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if IsBearerRequest(req) {
		t.Error("Basic auth is not a bearer request")
	}
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "cookie-token"})
	if got := TokenFromRequest(req); got != "cookie-token" {
		t.Errorf("TokenFromRequest() = %q, want cookie-token", got)
	}
}

// TestMiddlewareChain_WithChiRouter はSession → CSRFの順のチェーンがchi上で動作することを検証する。
func TestMiddlewareChain_WithChiRouter(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/csrf-token", NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(validResolver("router-token", "principal-router")))
		r.Use(NewCSRFMiddleware(CSRFConfig{}))
		r.Post("/api/issues", func(w http.ResponseWriter, r *http.Request) {
			sess, _ := SessionFromContext(r.Context())
			w.Write([]byte(sess.PrincipalID))
		})
	})

	// Cookie認証はCSRFトークンが必要
	req := httptest.NewRequest(http.MethodPost, "/api/issues", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "router-token"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("cookie without CSRF: status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/issues", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "router-token"})
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf"})
	req.Header.Set(csrfHeaderName, "csrf")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "principal-router" {
		t.Errorf("cookie with CSRF: status = %d body = %q", w.Code, w.Body.String())
	}

	// Bearer認証はCSRFトークン不要
	req = httptest.NewRequest(http.MethodPost, "/api/issues", nil)
	req.Header.Set("Authorization", "Bearer router-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("bearer: status = %d, want 200", w.Code)
	}
}
