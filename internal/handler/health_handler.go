package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger はストレージの疎通確認インターフェース。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// pingerがnilの場合（メモリストレージ）は常に200を返す。
// GET /health
func NewHealthHandler(pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
