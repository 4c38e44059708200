// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionDeleter は期限切れセッションの削除インターフェース。
type SessionDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は有効期限を過ぎたセッションを削除するジョブ。
// 削除対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions SessionDeleter
	logger   *slog.Logger
	now      func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionDeleter, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// Name はジョブ名を返す。
func (j *CleanupJob) Name() string { return "session_cleanup" }

// RunOnce は現在時刻より前に期限切れになったセッションを削除する。
func (j *CleanupJob) RunOnce(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.sessions.DeleteExpired(ctx, j.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	j.logger.Info("expired sessions deleted",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
