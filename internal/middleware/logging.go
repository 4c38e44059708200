package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/issuedesk/internal/metrics"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap はラップ元のResponseWriterを返す。http.ResponseControllerが利用する。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Hijack はWebSocketのアップグレードのために接続の制御を渡す。
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: response writer does not support hijacking")
	}
	if !sr.written {
		sr.statusCode = http.StatusSwitchingProtocols
		sr.written = true
	}
	return h.Hijack()
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、request_id、principal_id（認証済みの場合）を含む。
// ステータスコードはcollectorにも記録する。collectorはnilでもよい。
func NewLoggingMiddleware(logger *slog.Logger, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	collector = metrics.OrNop(collector)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			info := &requestInfo{}
			r = r.WithContext(context.WithValue(r.Context(), requestInfoContextKey, info))

			next.ServeHTTP(rec, r)
			collector.RecordHTTPStatus(rec.statusCode)

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}

			// 認証済みの場合はセッションミドルウェアが書き込んだプリンシパルIDを追加
			if info.principalID != "" {
				attrs = append(attrs, slog.String("principal_id", info.principalID))
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			// slog.Attr をany スライスに変換
			args := make([]any, len(attrs))
			for i, attr := range attrs {
				args[i] = attr
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
