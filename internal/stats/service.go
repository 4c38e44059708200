// Package stats は課題のダッシュボード集計と日次統計を提供する。
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/issuedesk/internal/auth"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/policy"
	"github.com/hitoshi/issuedesk/internal/repository"
)

const (
	// RecentActivityLimit はダッシュボードに表示する直近の遷移件数。
	RecentActivityLimit = 10
	// MaxRangeDays は日次統計の取得で指定できる最大日数。
	MaxRangeDays = 90
)

// Service は統計のビジネスロジックを提供する。
type Service struct {
	issues repository.IssueRepository
	stats  repository.StatsRepository
	now    func() time.Time
}

// NewService はServiceを生成する。
func NewService(issues repository.IssueRepository, stats repository.StatsRepository) *Service {
	return &Service{issues: issues, stats: stats, now: time.Now}
}

// Dashboard は現在のステータス別・重要度別の件数と直近の遷移を返す。
func (s *Service) Dashboard(ctx context.Context, sess *model.Session) (*model.DashboardStats, error) {
	if err := auth.Check(sess, s.now()); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.ViewStats, nil) {
		return nil, model.NewForbiddenError()
	}

	byStatus, bySeverity, err := s.counts(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	recent, err := s.issues.ListRecentHistory(ctx, RecentActivityLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent history: %w", err)
	}

	out := &model.DashboardStats{
		CountsByStatus:   byStatus,
		CountsBySeverity: bySeverity,
		RecentActivity:   make([]model.StatusChange, 0, len(recent)),
	}
	for _, c := range recent {
		out.RecentActivity = append(out.RecentActivity, *c)
	}
	return out, nil
}

// Aggregate は指定日（UTC）の日次統計を計算して保存する。
// ステータス別・重要度別の件数と総数はその日の終わりまでに作成された課題が対象で、
// ステータスは集計時点の値を使う。新規・クローズ件数と平均解決時間は
// その日に記録された遷移履歴から求める。同じ日を再集計すると上書きされる。
func (s *Service) Aggregate(ctx context.Context, day time.Time) (*model.DailyStats, error) {
	start := StartOfDay(day)
	end := start.AddDate(0, 0, 1)

	byStatus, bySeverity, err := s.counts(ctx, end)
	if err != nil {
		return nil, err
	}
	changes, err := s.issues.ListHistoryBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	result := &model.DailyStats{
		Date:             start,
		CountsByStatus:   byStatus,
		CountsBySeverity: bySeverity,
		UpdatedAt:        s.now().UTC().Truncate(time.Microsecond),
	}
	for _, n := range byStatus {
		result.TotalIssues += n
	}

	var resolvedHours float64
	var resolved int
	for _, c := range changes {
		if c.From == "" {
			result.NewIssues++
			continue
		}
		if c.To != model.StatusClosed {
			continue
		}
		result.ClosedIssues++

		issue, err := s.issues.FindByID(ctx, c.IssueID)
		if err != nil {
			return nil, fmt.Errorf("failed to find issue: %w", err)
		}
		if issue == nil {
			continue
		}
		resolvedHours += c.At.Sub(issue.CreatedAt).Hours()
		resolved++
	}
	if resolved > 0 {
		result.AvgResolutionHours = resolvedHours / float64(resolved)
	}

	if err := s.stats.UpsertDaily(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to save daily stats: %w", err)
	}
	slog.Info("daily stats aggregated",
		slog.String("date", start.Format(time.DateOnly)),
		slog.Int("total", result.TotalIssues),
		slog.Int("new", result.NewIssues),
		slog.Int("closed", result.ClosedIssues),
	)
	return result, nil
}

// DailyRange は[start, end]の日次統計を日付昇順で返す。
func (s *Service) DailyRange(ctx context.Context, sess *model.Session, start, end time.Time) ([]*model.DailyStats, error) {
	if err := auth.Check(sess, s.now()); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.ViewStats, nil) {
		return nil, model.NewForbiddenError()
	}

	start, end = StartOfDay(start), StartOfDay(end)
	if end.Before(start) {
		return nil, model.NewValidationError("End date must not be before start date")
	}
	if end.Sub(start) > (MaxRangeDays-1)*24*time.Hour {
		return nil, model.NewValidationError(fmt.Sprintf("Date range must be at most %d days", MaxRangeDays))
	}

	days, err := s.stats.ListDailyRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily stats: %w", err)
	}
	if days == nil {
		days = []*model.DailyStats{}
	}
	return days, nil
}

// counts はcreatedBeforeより前に作成された課題を数える。ゼロ値なら全件。
func (s *Service) counts(ctx context.Context, createdBefore time.Time) (map[model.Status]int, map[model.Severity]int, error) {
	byStatus, err := s.issues.CountByStatus(ctx, createdBefore)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count issues by status: %w", err)
	}
	bySeverity, err := s.issues.CountBySeverity(ctx, createdBefore)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count issues by severity: %w", err)
	}
	// 0件の値もキーとして含める
	for _, st := range model.Statuses() {
		if _, ok := byStatus[st]; !ok {
			byStatus[st] = 0
		}
	}
	for _, sv := range model.Severities() {
		if _, ok := bySeverity[sv]; !ok {
			bySeverity[sv] = 0
		}
	}
	return byStatus, bySeverity, nil
}

// StartOfDay はtのUTCでの日付の0時を返す。
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
