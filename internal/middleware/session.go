// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/issuedesk/internal/model"
)

// SessionCookieName はセッショントークンを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	sessionContextKey     = contextKey("session")
	requestInfoContextKey = contextKey("request_info")
)

// SessionResolver はトークンから有効なセッションを解決する。
// auth.Serviceが満たす。
type SessionResolver interface {
	ResolveSession(ctx context.Context, token string) (*model.Session, error)
}

// NewSessionMiddleware はCookieまたはAuthorization: Bearerヘッダーから
// セッショントークンを読み取り、有効なセッションをリクエストコンテキストに注入する。
// 未認証・期限切れのリクエストには401を返す。
func NewSessionMiddleware(resolver SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			session, err := resolver.ResolveSession(r.Context(), token)
			if err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) {
					WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
					return
				}
				slog.Error("failed to resolve session", slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}

			if info, ok := r.Context().Value(requestInfoContextKey).(*requestInfo); ok {
				info.principalID = session.PrincipalID
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// TokenFromRequest はAuthorization: Bearerヘッダー、次にセッションCookieからトークンを取り出す。
func TokenFromRequest(r *http.Request) string {
	if token, ok := bearerToken(r); ok {
		return token
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// IsBearerRequest はリクエストがBearerトークンで認証されているかを返す。
// Bearer認証はCookieを使わないためCSRF検証の対象外にする。
func IsBearerRequest(r *http.Request) bool {
	_, ok := bearerToken(r)
	return ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	return session, ok && session != nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// requestInfo はアクセスログ用に内側のミドルウェアが書き込むリクエスト情報。
type requestInfo struct {
	principalID string
}
