package model

import "time"

// DailyStats は日次集計結果を表す。
type DailyStats struct {
	Date               time.Time // UTCの0時
	CountsByStatus     map[Status]int
	CountsBySeverity   map[Severity]int
	TotalIssues        int
	NewIssues          int
	ClosedIssues       int
	AvgResolutionHours float64
	UpdatedAt          time.Time
}

// DashboardStats はダッシュボード表示用の集計。
type DashboardStats struct {
	CountsByStatus   map[Status]int
	CountsBySeverity map[Severity]int
	RecentActivity   []StatusChange
}
