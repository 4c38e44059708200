package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/issuedesk/internal/middleware"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/stats"
)

// StatsServiceInterface は統計ハンドラーが必要とするサービスインターフェース。
type StatsServiceInterface interface {
	Dashboard(ctx context.Context, sess *model.Session) (*model.DashboardStats, error)
	DailyRange(ctx context.Context, sess *model.Session, start, end time.Time) ([]*model.DailyStats, error)
}

// defaultDailyRangeDays は期間未指定時に返す日数。
const defaultDailyRangeDays = 30

// StatsHandler は統計のHTTPハンドラー。
type StatsHandler struct {
	service StatsServiceInterface
	now     func() time.Time
}

// NewStatsHandler はStatsHandlerを生成する。
func NewStatsHandler(service StatsServiceInterface) *StatsHandler {
	return &StatsHandler{service: service, now: time.Now}
}

type dashboardResponse struct {
	CountsByStatus   map[model.Status]int   `json:"counts_by_status"`
	CountsBySeverity map[model.Severity]int `json:"counts_by_severity"`
	RecentActivity   []statusChangeResponse `json:"recent_activity"`
}

type dailyStatsResponse struct {
	Date               string                 `json:"date"`
	CountsByStatus     map[model.Status]int   `json:"counts_by_status"`
	CountsBySeverity   map[model.Severity]int `json:"counts_by_severity"`
	TotalIssues        int                    `json:"total_issues"`
	NewIssues          int                    `json:"new_issues"`
	ClosedIssues       int                    `json:"closed_issues"`
	AvgResolutionHours float64                `json:"avg_resolution_hours"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Dashboard は現在の件数と直近の遷移を返す。
// GET /api/stats/dashboard
func (h *StatsHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}

	d, err := h.service.Dashboard(r.Context(), session)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := dashboardResponse{
		CountsByStatus:   d.CountsByStatus,
		CountsBySeverity: d.CountsBySeverity,
		RecentActivity:   make([]statusChangeResponse, len(d.RecentActivity)),
	}
	for i := range d.RecentActivity {
		resp.RecentActivity[i] = toStatusChangeResponse(&d.RecentActivity[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// Daily は日次統計を返す。from/toはYYYY-MM-DD（UTC）。
// 未指定の場合は今日までの30日間。
// GET /api/stats/daily?from=&to=
func (h *StatsHandler) Daily(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}

	end := stats.StartOfDay(h.now())
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("to must be a date in YYYY-MM-DD format"))
			return
		}
		end = t
	}
	start := end.AddDate(0, 0, -(defaultDailyRangeDays - 1))
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("from must be a date in YYYY-MM-DD format"))
			return
		}
		start = t
	}

	days, err := h.service.DailyRange(r.Context(), session, start, end)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := make([]dailyStatsResponse, len(days))
	for i, d := range days {
		resp[i] = dailyStatsResponse{
			Date:               d.Date.Format(time.DateOnly),
			CountsByStatus:     d.CountsByStatus,
			CountsBySeverity:   d.CountsBySeverity,
			TotalIssues:        d.TotalIssues,
			NewIssues:          d.NewIssues,
			ClosedIssues:       d.ClosedIssues,
			AvgResolutionHours: d.AvgResolutionHours,
			UpdatedAt:          d.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": resp})
}
