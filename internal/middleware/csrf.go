package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	// csrfCookieName はダブルサブミット用トークンのCookie名。クライアントが読めるようHttpOnlyにしない。
	csrfCookieName = "csrf_token"
	// csrfHeaderName はクライアントがトークンを送り返すヘッダー名。
	csrfHeaderName = "X-CSRF-Token"
	// csrfCookieMaxAge はトークンCookieの有効期間（秒）。
	csrfCookieMaxAge = 24 * 60 * 60
)

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewCSRFMiddleware はダブルサブミットCookie方式でCSRFを検証するミドルウェアを返す。
//
// 読み取り専用メソッドは検証せず、トークンCookieがなければ発行する。
// それ以外のメソッドはCookieとX-CSRF-Tokenヘッダーの一致を要求する。
// Authorization: Bearerで認証するリクエストはブラウザが自動送信しないため検証しない。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				if _, err := r.Cookie(csrfCookieName); err != nil {
					if _, err := issueCSRFToken(w, config); err != nil {
						slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			if IsBearerRequest(r) {
				next.ServeHTTP(w, r)
				return
			}

			if reason := csrfRejectReason(r); reason != "" {
				slog.Warn("CSRF validation failed",
					slog.String("reason", reason),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteCSRFError(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewCSRFTokenHandler はCSRFトークンをJSONで返すハンドラーを返す。
// 既存のトークンCookieがあればそれを返し、なければ新たに発行する。
// GET /api/csrf-token
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if cookie, err := r.Cookie(csrfCookieName); err == nil && cookie.Value != "" {
			token = cookie.Value
		} else {
			token, err = issueCSRFToken(w, config)
			if err != nil {
				slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
}

// csrfRejectReason は検証に失敗した理由を返す。成功した場合は空文字列。
func csrfRejectReason(r *http.Request) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return "missing_cookie"
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return "missing_header"
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return "mismatch"
	}
	return ""
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// issueCSRFToken は新しいトークンを生成してCookieに設定する。
func issueCSRFToken(w http.ResponseWriter, config CSRFConfig) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   csrfCookieMaxAge,
		HttpOnly: false,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}
