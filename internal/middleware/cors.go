package middleware

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware は許可オリジンからのクロスオリジン呼び出しを受け付けるミドルウェアを返す。
// Cookie認証と共存させるためワイルドカードは使わず、Originが一致した場合のみ許可ヘッダーを返す。
// allowedOriginが空の場合はCORSヘッダーを一切付与しない。
// 許可オリジンからのプリフライトには204で応答し、後続のハンドラーは呼ばない。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigin == "" || origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			if !strings.EqualFold(origin, allowedOrigin) {
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", "X-Request-Id")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+csrfHeaderName)
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
