package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRecoveryMiddleware はハンドラー内のpanicを捕捉して500の統一エラーレスポンスを返すミドルウェアを生成する。
// http.ErrAbortHandlerによる中断はそのまま再送出する。loggerがnilの場合はslog.Defaultを使う。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if reqID := chimw.GetReqID(r.Context()); reqID != "" {
					attrs = append(attrs, slog.String("request_id", reqID))
				}
				logger.Error("panic recovered", attrs...)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
