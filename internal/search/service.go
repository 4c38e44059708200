// Package search は課題一覧の絞り込み・全文検索・キーセットページネーションを提供する。
// 読み取り専用であり、ストアを変更しない。
package search

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/issuedesk/internal/auth"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/policy"
	"github.com/hitoshi/issuedesk/internal/repository"
)

const (
	// DefaultLimit はlimit未指定時の件数。
	DefaultLimit = 50
	// MaxLimit は1ページの最大件数。
	MaxLimit = 100
	// maxTextLength は検索文字列の最大文字数。
	maxTextLength = 200
)

// Query は一覧の検索条件。空のフィールドは条件なしを意味する。
type Query struct {
	Status   model.Status
	Severity model.Severity
	Text     string
	Cursor   string // 前ページのNextCursor
	Limit    int
}

// Page は一覧の1ページ分の結果。一致なしの場合Issuesは空スライス（nilではない）。
type Page struct {
	Issues     []*model.Issue
	NextCursor string
	HasMore    bool
}

// Service は課題一覧の検索サービス。
type Service struct {
	issues repository.IssueRepository
	now    func() time.Time
}

// NewService はServiceを生成する。
func NewService(issues repository.IssueRepository) *Service {
	return &Service{issues: issues, now: time.Now}
}

// List は条件に一致する課題をUpdatedAt降順（同時刻はID昇順）で返す。
// ViewAllを持たないロールは自分が起票した課題のみが対象になる。
// limit+1件を取得してHasMoreを判定する。
func (s *Service) List(ctx context.Context, sess *model.Session, q Query) (*Page, error) {
	if err := auth.Check(sess, s.now()); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.ViewIssue, nil) {
		return nil, model.NewForbiddenError()
	}

	if q.Status != "" && !q.Status.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("Invalid status: %s", q.Status))
	}
	if q.Severity != "" && !q.Severity.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("Invalid severity: %s", q.Severity))
	}
	text := strings.TrimSpace(q.Text)
	if len([]rune(text)) > maxTextLength {
		return nil, model.NewValidationError(fmt.Sprintf("Search text must be at most %d characters", maxTextLength))
	}
	limit, err := normalizeLimit(q.Limit)
	if err != nil {
		return nil, err
	}
	cursor, err := DecodeCursor(q.Cursor)
	if err != nil {
		return nil, model.NewValidationError("Invalid cursor")
	}

	filter := model.IssueFilter{Status: q.Status, Severity: q.Severity, Text: text}
	if !policy.CanPerform(sess.Role, policy.ViewAll, nil) {
		filter.ReporterID = sess.PrincipalID
	}

	issues, err := s.issues.List(ctx, filter, cursor, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}

	page := &Page{Issues: issues}
	if page.Issues == nil {
		page.Issues = []*model.Issue{}
	}
	if len(page.Issues) > limit {
		page.Issues = page.Issues[:limit]
		page.HasMore = true
		last := page.Issues[limit-1]
		page.NextCursor = EncodeCursor(model.IssueCursor{UpdatedAt: last.UpdatedAt, ID: last.ID})
	}
	return page, nil
}

func normalizeLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultLimit, nil
	case limit < 0:
		return 0, model.NewValidationError("Limit must be positive")
	case limit > MaxLimit:
		return MaxLimit, nil
	default:
		return limit, nil
	}
}

// cursorPayload はカーソルの内部表現。クライアントからは不透明な文字列として扱われる。
type cursorPayload struct {
	UpdatedAt time.Time `json:"u"`
	ID        string    `json:"i"`
}

// EncodeCursor はカーソルを不透明な文字列に変換する。
func EncodeCursor(c model.IssueCursor) string {
	b, _ := json.Marshal(cursorPayload{UpdatedAt: c.UpdatedAt.UTC(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor はEncodeCursorの出力を復元する。空文字列はゼロ値のカーソルになる。
func DecodeCursor(s string) (model.IssueCursor, error) {
	if s == "" {
		return model.IssueCursor{}, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return model.IssueCursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	var p cursorPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return model.IssueCursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	if p.ID == "" || p.UpdatedAt.IsZero() {
		return model.IssueCursor{}, fmt.Errorf("decode cursor: incomplete position")
	}
	return model.IssueCursor{UpdatedAt: p.UpdatedAt, ID: p.ID}, nil
}
