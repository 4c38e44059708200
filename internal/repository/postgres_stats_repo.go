package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/issuedesk/internal/model"
)

// PostgresStatsRepo はPostgreSQLを使用した日次統計リポジトリ。
// ステータス別・重要度別の件数はJSONB列に保存する。
type PostgresStatsRepo struct {
	db *sql.DB
}

// NewPostgresStatsRepo はPostgresStatsRepoを生成する。
func NewPostgresStatsRepo(db *sql.DB) *PostgresStatsRepo {
	return &PostgresStatsRepo{db: db}
}

// UpsertDaily は日次統計を日付をキーにUPSERTする。
func (r *PostgresStatsRepo) UpsertDaily(ctx context.Context, s *model.DailyStats) error {
	byStatus, err := json.Marshal(s.CountsByStatus)
	if err != nil {
		return fmt.Errorf("failed to encode status counts: %w", err)
	}
	bySeverity, err := json.Marshal(s.CountsBySeverity)
	if err != nil {
		return fmt.Errorf("failed to encode severity counts: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO daily_stats (date, counts_by_status, counts_by_severity, total_issues,
		                          new_issues, closed_issues, avg_resolution_hours, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (date) DO UPDATE SET
		    counts_by_status = EXCLUDED.counts_by_status,
		    counts_by_severity = EXCLUDED.counts_by_severity,
		    total_issues = EXCLUDED.total_issues,
		    new_issues = EXCLUDED.new_issues,
		    closed_issues = EXCLUDED.closed_issues,
		    avg_resolution_hours = EXCLUDED.avg_resolution_hours,
		    updated_at = EXCLUDED.updated_at`,
		s.Date.UTC().Format(time.DateOnly), byStatus, bySeverity, s.TotalIssues,
		s.NewIssues, s.ClosedIssues, s.AvgResolutionHours, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daily stats: %w", err)
	}
	return nil
}

// ListDailyRange は[start, end]の日次統計を日付昇順で返す。
func (r *PostgresStatsRepo) ListDailyRange(ctx context.Context, start, end time.Time) ([]*model.DailyStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT date, counts_by_status, counts_by_severity, total_issues,
		        new_issues, closed_issues, avg_resolution_hours, updated_at
		 FROM daily_stats
		 WHERE date >= $1 AND date <= $2
		 ORDER BY date ASC`,
		start.UTC().Format(time.DateOnly), end.UTC().Format(time.DateOnly),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily stats: %w", err)
	}
	defer rows.Close()

	out := []*model.DailyStats{}
	for rows.Next() {
		s := &model.DailyStats{}
		var byStatus, bySeverity []byte
		if err := rows.Scan(&s.Date, &byStatus, &bySeverity, &s.TotalIssues,
			&s.NewIssues, &s.ClosedIssues, &s.AvgResolutionHours, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan daily stats row: %w", err)
		}
		if err := json.Unmarshal(byStatus, &s.CountsByStatus); err != nil {
			return nil, fmt.Errorf("failed to decode status counts: %w", err)
		}
		if err := json.Unmarshal(bySeverity, &s.CountsBySeverity); err != nil {
			return nil, fmt.Errorf("failed to decode severity counts: %w", err)
		}
		s.Date = s.Date.UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily stats: %w", err)
	}
	return out, nil
}

// compile-time interface check
var _ StatsRepository = (*PostgresStatsRepo)(nil)
