package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/issuedesk/internal/issue"
	"github.com/hitoshi/issuedesk/internal/middleware"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/policy"
	"github.com/hitoshi/issuedesk/internal/search"
)

// IssueServiceInterface は課題ハンドラーが必要とするサービスインターフェース。
type IssueServiceInterface interface {
	Create(ctx context.Context, sess *model.Session, in issue.CreateInput) (*model.Issue, error)
	Get(ctx context.Context, sess *model.Session, id string) (*model.Issue, error)
	Update(ctx context.Context, sess *model.Session, in issue.UpdateInput) (*model.Issue, error)
	ChangeStatus(ctx context.Context, sess *model.Session, in issue.ChangeStatusInput) (*issue.TransitionResult, error)
	History(ctx context.Context, sess *model.Session, id string) ([]*model.StatusChange, error)
	Delete(ctx context.Context, sess *model.Session, id string) error
}

// SearchServiceInterface は課題一覧の検索インターフェース。
type SearchServiceInterface interface {
	List(ctx context.Context, sess *model.Session, q search.Query) (*search.Page, error)
}

// IssueHandler は課題のHTTPハンドラー。
type IssueHandler struct {
	issues IssueServiceInterface
	search SearchServiceInterface
}

// NewIssueHandler はIssueHandlerを生成する。
func NewIssueHandler(issues IssueServiceInterface, search SearchServiceInterface) *IssueHandler {
	return &IssueHandler{issues: issues, search: search}
}

type createIssueRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// updateIssueRequest は省略されたフィールドを変更しない。
type updateIssueRequest struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	Severity        *string `json:"severity"`
	ExpectedVersion int64   `json:"expected_version"`
}

type changeStatusRequest struct {
	Status         string `json:"status"`
	ExpectedStatus string `json:"expected_status"`
	Note           string `json:"note"`
}

// issueResponse は課題のAPIレスポンス。
type issueResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	ReporterID  string    `json:"reporter_id"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// issueDetailResponse は課題詳細のレスポンス。
// 呼び出し元のロールで実行できる操作と遷移先を含む。
// ステータス変更できないロールにはavailable_transitions自体を返さない。
type issueDetailResponse struct {
	issueResponse
	Capabilities         []string  `json:"capabilities"`
	AvailableTransitions *[]string `json:"available_transitions,omitempty"`
}

type issueListResponse struct {
	Issues     []issueResponse `json:"issues"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

type statusChangeResponse struct {
	ID      string    `json:"id"`
	IssueID string    `json:"issue_id"`
	ActorID string    `json:"actor_id"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

type changeStatusResponse struct {
	Issue  issueDetailResponse  `json:"issue"`
	Change statusChangeResponse `json:"change"`
}

// ListIssues は課題一覧を返す。
// GET /api/issues?status=&severity=&q=&cursor=&limit=
func (h *IssueHandler) ListIssues(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}

	query := r.URL.Query()
	q := search.Query{
		Status:   model.Status(query.Get("status")),
		Severity: model.Severity(query.Get("severity")),
		Text:     query.Get("q"),
		Cursor:   query.Get("cursor"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("limit must be an integer"))
			return
		}
		q.Limit = limit
	}

	page, err := h.search.List(r.Context(), session, q)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := issueListResponse{
		Issues:     make([]issueResponse, len(page.Issues)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for i, is := range page.Issues {
		resp.Issues[i] = toIssueResponse(is)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateIssue は課題を作成する。
// POST /api/issues
func (h *IssueHandler) CreateIssue(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}
	var req createIssueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.issues.Create(r.Context(), session, issue.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Severity:    model.Severity(req.Severity),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIssueDetailResponse(created, session.Role))
}

// GetIssue は課題詳細を返す。
// GET /api/issues/{id}
func (h *IssueHandler) GetIssue(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}

	found, err := h.issues.Get(r.Context(), session, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssueDetailResponse(found, session.Role))
}

// UpdateIssue は課題のタイトル・説明・重要度を変更する。
// PUT /api/issues/{id}
func (h *IssueHandler) UpdateIssue(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}
	var req updateIssueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := issue.UpdateInput{
		IssueID:         chi.URLParam(r, "id"),
		Title:           req.Title,
		Description:     req.Description,
		ExpectedVersion: req.ExpectedVersion,
	}
	if req.Severity != nil {
		severity := model.Severity(*req.Severity)
		in.Severity = &severity
	}

	updated, err := h.issues.Update(r.Context(), session, in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssueDetailResponse(updated, session.Role))
}

// ChangeStatus は課題のステータスを変更する。
// PUT /api/issues/{id}/status
func (h *IssueHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}
	var req changeStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.issues.ChangeStatus(r.Context(), session, issue.ChangeStatusInput{
		IssueID:        chi.URLParam(r, "id"),
		Status:         model.Status(req.Status),
		ExpectedStatus: model.Status(req.ExpectedStatus),
		Note:           req.Note,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changeStatusResponse{
		Issue:  toIssueDetailResponse(result.Issue, session.Role),
		Change: toStatusChangeResponse(result.Change),
	})
}

// History は課題のステータス履歴を古い順に返す。
// GET /api/issues/{id}/history
func (h *IssueHandler) History(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}

	changes, err := h.issues.History(r.Context(), session, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := make([]statusChangeResponse, len(changes))
	for i, c := range changes {
		resp[i] = toStatusChangeResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": resp})
}

// DeleteIssue は課題を削除する。
// DELETE /api/issues/{id}
func (h *IssueHandler) DeleteIssue(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}
	if err := h.issues.Delete(r.Context(), session, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ヘルパー関数 ---

func toIssueResponse(is *model.Issue) issueResponse {
	return issueResponse{
		ID:          is.ID,
		Title:       is.Title,
		Description: is.Description,
		Severity:    string(is.Severity),
		Status:      string(is.Status),
		ReporterID:  is.ReporterID,
		ExternalRef: is.ExternalRef,
		Version:     is.Version,
		CreatedAt:   is.CreatedAt,
		UpdatedAt:   is.UpdatedAt,
	}
}

func toIssueDetailResponse(is *model.Issue, role model.Role) issueDetailResponse {
	caps := policy.Capabilities(role, is)
	capStrs := make([]string, len(caps))
	for i, c := range caps {
		capStrs[i] = string(c)
	}
	resp := issueDetailResponse{
		issueResponse: toIssueResponse(is),
		Capabilities:  capStrs,
	}
	if policy.CanPerform(role, policy.ChangeStatus, is) {
		next := policy.AvailableTransitions(role, is)
		nextStrs := make([]string, len(next))
		for i, s := range next {
			nextStrs[i] = string(s)
		}
		resp.AvailableTransitions = &nextStrs
	}
	return resp
}

func toStatusChangeResponse(c *model.StatusChange) statusChangeResponse {
	return statusChangeResponse{
		ID:      c.ID,
		IssueID: c.IssueID,
		ActorID: c.ActorID,
		From:    string(c.From),
		To:      string(c.To),
		Note:    c.Note,
		At:      c.At,
	}
}
