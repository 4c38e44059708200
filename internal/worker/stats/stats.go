// Package stats は日次統計の定期集計ジョブを提供する。
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/issuedesk/internal/model"
)

// Aggregator は指定日の日次統計を計算・保存するインターフェース。
type Aggregator interface {
	Aggregate(ctx context.Context, day time.Time) (*model.DailyStats, error)
}

// AggregateJob は当日と前日の日次統計を再集計するジョブ。
// 前日分は日付が変わる直前の遷移を取りこぼさないために含める。
type AggregateJob struct {
	aggregator Aggregator
	logger     *slog.Logger
	now        func() time.Time
}

// NewAggregateJob は新しいAggregateJobを生成する。
func NewAggregateJob(aggregator Aggregator, logger *slog.Logger) *AggregateJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AggregateJob{
		aggregator: aggregator,
		logger:     logger,
		now:        time.Now,
	}
}

// Name はジョブ名を返す。
func (j *AggregateJob) Name() string { return "stats_aggregate" }

// RunOnce は当日と前日（UTC）を並行して集計する。
// どちらかが失敗した場合は最初のエラーを返す。
func (j *AggregateJob) RunOnce(ctx context.Context) error {
	today := j.now().UTC()
	days := []time.Time{today, today.AddDate(0, 0, -1)}

	g, gctx := errgroup.WithContext(ctx)
	for _, day := range days {
		g.Go(func() error {
			s, err := j.aggregator.Aggregate(gctx, day)
			if err != nil {
				return fmt.Errorf("failed to aggregate %s: %w", day.Format(time.DateOnly), err)
			}
			j.logger.Info("daily stats aggregated",
				slog.String("date", s.Date.Format(time.DateOnly)),
				slog.Int("total_issues", s.TotalIssues),
				slog.Int("new_issues", s.NewIssues),
				slog.Int("closed_issues", s.ClosedIssues),
			)
			return nil
		})
	}
	return g.Wait()
}
