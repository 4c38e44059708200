package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/issuedesk/internal/auth"
	"github.com/hitoshi/issuedesk/internal/middleware"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/policy"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Authenticate(ctx context.Context, email, password string) (*model.Session, error)
	Register(ctx context.Context, in auth.RegisterInput) (*model.Session, error)
	Logout(ctx context.Context, token string) error
	CurrentPrincipal(ctx context.Context, session *model.Session) (*model.Principal, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はログイン・登録・ログアウト・現在のプリンシパル取得のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// sessionResponse はログイン・登録成功時のレスポンス。
// tokenはCookieを使わないクライアントがAuthorization: Bearerで送る。
type sessionResponse struct {
	Token       string    `json:"token"`
	PrincipalID string    `json:"principal_id"`
	Role        string    `json:"role"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type principalResponse struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	SessionRole  string   `json:"session_role"`
	Capabilities []string `json:"capabilities"`
}

// Login はメールアドレスとパスワードで認証し、セッションCookieを設定する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Register はReporterアカウントを作成し、そのままログイン状態にする。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// Logout はセッションを破棄する。トークンがなくても成功する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.TokenFromRequest(r); token != "" {
		if err := h.service.Logout(r.Context(), token); err != nil {
			// ログアウト失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	h.setSessionCookie(w, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のプリンシパルとセッション発行時のロールを返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}

	principal, err := h.service.CurrentPrincipal(r.Context(), session)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var caps []string
	for _, a := range policy.Actions() {
		if policy.CanPerform(session.Role, a, nil) {
			caps = append(caps, string(a))
		}
	}
	writeJSON(w, http.StatusOK, principalResponse{
		ID:           principal.ID,
		Email:        principal.Email,
		Name:         principal.Name,
		Role:         string(principal.Role),
		SessionRole:  string(session.Role),
		Capabilities: nonNil(caps),
	})
}

// setSessionCookie はHTTP OnlyのセッションCookieを設定する。maxAgeが負の場合は削除する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{
		Token:       s.ID,
		PrincipalID: s.PrincipalID,
		Role:        string(s.Role),
		ExpiresAt:   s.ExpiresAt,
	}
}

// nonNil はnilスライスを空スライスにする。JSONで[]として出力するため。
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
