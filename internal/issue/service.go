// Package issue は課題の作成・参照・編集・ステータス遷移・削除を提供する。
package issue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/issuedesk/internal/auth"
	"github.com/hitoshi/issuedesk/internal/metrics"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/notify"
	"github.com/hitoshi/issuedesk/internal/policy"
	"github.com/hitoshi/issuedesk/internal/repository"
	"github.com/hitoshi/issuedesk/internal/security"
)

const (
	// MaxTitleLength はタイトルの最大文字数。
	MaxTitleLength = 255
	// MaxNoteLength は遷移メモの最大文字数。
	MaxNoteLength = 1000
)

// CreateInput は課題作成の入力。
type CreateInput struct {
	Title       string
	Description string
	Severity    model.Severity // 空の場合はMEDIUM
	ExternalRef string         // インポート時のみ設定する
}

// ChangeStatusInput はステータス変更の入力。
type ChangeStatusInput struct {
	IssueID string
	Status  model.Status
	// ExpectedStatus は呼び出し元が最後に見たステータス。
	// 空でなく現在のステータスと異なる場合はConflictになる。
	ExpectedStatus model.Status
	Note           string
}

// UpdateInput は課題編集の入力。nilのフィールドは変更しない。
type UpdateInput struct {
	IssueID     string
	Title       *string
	Description *string
	Severity    *model.Severity
	// ExpectedVersion は呼び出し元が最後に見たバージョン。
	// 0でなく現在のバージョンと異なる場合はConflictになる。
	ExpectedVersion int64
}

// TransitionResult はステータス変更の結果。
// Changeは「ステータスが更新された」ことの確認イベントとして呼び出し元に返す。
type TransitionResult struct {
	Issue  *model.Issue
	Change *model.StatusChange
}

// Service は課題のビジネスロジックを提供する。
type Service struct {
	repo      repository.IssueRepository
	sanitizer security.ContentSanitizerService
	publisher notify.Publisher
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewService はServiceを生成する。publisherとcollectorはnilでもよい。
func NewService(
	repo repository.IssueRepository,
	sanitizer security.ContentSanitizerService,
	publisher notify.Publisher,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		publisher: notify.OrNop(publisher),
		metrics:   metrics.OrNop(collector),
		now:       time.Now,
	}
}

// Create は課題を作成する。ステータスはOPEN、起票者はセッションのプリンシパル。
// 検証に失敗した場合は何も永続化しない。
func (s *Service) Create(ctx context.Context, sess *model.Session, in CreateInput) (*model.Issue, error) {
	now := s.timestamp()
	if err := auth.Check(sess, now); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.CreateIssue, nil) {
		return nil, model.NewForbiddenError()
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, model.NewValidationError("Title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, model.NewValidationError(fmt.Sprintf("Title must be at most %d characters", MaxTitleLength))
	}

	severity := in.Severity
	if severity == "" {
		severity = model.SeverityMedium
	}
	if !severity.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("Invalid severity: %s", severity))
	}

	issue := &model.Issue{
		ID:          newID(),
		Title:       title,
		Description: s.sanitizer.Clean(in.Description),
		Severity:    severity,
		Status:      model.StatusOpen,
		ReporterID:  sess.PrincipalID,
		ExternalRef: strings.TrimSpace(in.ExternalRef),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created := &model.StatusChange{
		ID:      newID(),
		IssueID: issue.ID,
		ActorID: sess.PrincipalID,
		To:      model.StatusOpen,
		At:      now,
	}

	if err := s.repo.Create(ctx, issue, created); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}

	s.metrics.RecordIssueCreated(string(issue.Severity))
	s.publisher.Publish(notify.Event{
		Type:       notify.EventIssueCreated,
		IssueID:    issue.ID,
		ReporterID: issue.ReporterID,
		ActorID:    sess.PrincipalID,
		Title:      issue.Title,
		To:         issue.Status,
		At:         now,
	})
	slog.Info("issue created",
		slog.String("issue_id", issue.ID),
		slog.String("reporter_id", issue.ReporterID),
		slog.String("severity", string(issue.Severity)),
	)
	return issue, nil
}

// Get は課題を取得する。存在しない場合はNotFoundを返す。
func (s *Service) Get(ctx context.Context, sess *model.Session, id string) (*model.Issue, error) {
	if err := auth.Check(sess, s.now()); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.ViewIssue, nil) {
		return nil, model.NewForbiddenError()
	}
	return s.find(ctx, id)
}

// ChangeStatus は課題のステータスを遷移させる。
//
// 判定順序: セッション → 権限 → 遷移先の値 → 課題の存在 → ExpectedStatus → 遷移グラフ → バージョン比較。
// 同一課題への同時変更はバージョンの比較交換で直列化され、負けた側はConflictになる。
func (s *Service) ChangeStatus(ctx context.Context, sess *model.Session, in ChangeStatusInput) (*TransitionResult, error) {
	now := s.timestamp()
	if err := auth.Check(sess, now); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.ChangeStatus, nil) {
		return nil, model.NewForbiddenError()
	}
	if !in.Status.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("Invalid status: %s", in.Status))
	}
	if in.ExpectedStatus != "" && !in.ExpectedStatus.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("Invalid expected status: %s", in.ExpectedStatus))
	}
	note := s.sanitizer.StripTags(in.Note)
	if utf8.RuneCountInString(note) > MaxNoteLength {
		return nil, model.NewValidationError(fmt.Sprintf("Note must be at most %d characters", MaxNoteLength))
	}

	current, err := s.find(ctx, in.IssueID)
	if err != nil {
		return nil, err
	}
	if in.ExpectedStatus != "" && in.ExpectedStatus != current.Status {
		s.metrics.RecordTransitionConflict()
		return nil, model.NewConflictError(current.ID)
	}
	if !current.Status.CanTransitionTo(in.Status) {
		return nil, model.NewInvalidTransitionError(current.Status, in.Status)
	}

	updated := *current
	updated.Status = in.Status
	updated.Version = current.Version + 1
	if now.After(current.UpdatedAt) {
		updated.UpdatedAt = now
	}

	change := &model.StatusChange{
		ID:      newID(),
		IssueID: current.ID,
		ActorID: sess.PrincipalID,
		From:    current.Status,
		To:      in.Status,
		Note:    note,
		At:      updated.UpdatedAt,
	}

	if err := s.repo.TransitionStatus(ctx, &updated, current.Version, change); err != nil {
		if errors.Is(err, repository.ErrVersionMismatch) {
			s.metrics.RecordTransitionConflict()
			slog.Warn("status transition lost a concurrent update",
				slog.String("issue_id", current.ID),
				slog.Int64("version", current.Version),
			)
			return nil, model.NewConflictError(current.ID)
		}
		return nil, fmt.Errorf("failed to change issue status: %w", err)
	}

	s.metrics.RecordStatusTransition(string(change.From), string(change.To))
	s.publisher.Publish(notify.Event{
		Type:       notify.EventStatusChanged,
		IssueID:    updated.ID,
		ReporterID: updated.ReporterID,
		ActorID:    sess.PrincipalID,
		Title:      updated.Title,
		From:       change.From,
		To:         change.To,
		At:         change.At,
	})
	slog.Info("issue status changed",
		slog.String("issue_id", updated.ID),
		slog.String("from", string(change.From)),
		slog.String("to", string(change.To)),
		slog.String("actor_id", sess.PrincipalID),
	)
	return &TransitionResult{Issue: &updated, Change: change}, nil
}

// Update は課題のタイトル・説明・重要度を変更する。ステータスは変更しない。
// 起票者本人か、全件を閲覧できるロールのみが編集できる。
func (s *Service) Update(ctx context.Context, sess *model.Session, in UpdateInput) (*model.Issue, error) {
	now := s.timestamp()
	if err := auth.Check(sess, now); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.EditIssue, nil) {
		return nil, model.NewForbiddenError()
	}
	if in.Title == nil && in.Description == nil && in.Severity == nil {
		return nil, model.NewValidationError("At least one field must be provided")
	}

	var title string
	if in.Title != nil {
		title = strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, model.NewValidationError("Title is required")
		}
		if utf8.RuneCountInString(title) > MaxTitleLength {
			return nil, model.NewValidationError(fmt.Sprintf("Title must be at most %d characters", MaxTitleLength))
		}
	}
	if in.Severity != nil && !in.Severity.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("Invalid severity: %s", *in.Severity))
	}

	current, err := s.find(ctx, in.IssueID)
	if err != nil {
		return nil, err
	}
	if !policy.CanEdit(sess.Role, sess.PrincipalID, current) {
		return nil, model.NewForbiddenError()
	}
	if in.ExpectedVersion != 0 && in.ExpectedVersion != current.Version {
		s.metrics.RecordTransitionConflict()
		return nil, model.NewConflictError(current.ID)
	}

	updated := *current
	if in.Title != nil {
		updated.Title = title
	}
	if in.Description != nil {
		updated.Description = s.sanitizer.Clean(*in.Description)
	}
	if in.Severity != nil {
		updated.Severity = *in.Severity
	}
	updated.Version = current.Version + 1
	if now.After(current.UpdatedAt) {
		updated.UpdatedAt = now
	}

	if err := s.repo.UpdateDetails(ctx, &updated, current.Version); err != nil {
		if errors.Is(err, repository.ErrVersionMismatch) {
			s.metrics.RecordTransitionConflict()
			slog.Warn("issue update lost a concurrent update",
				slog.String("issue_id", current.ID),
				slog.Int64("version", current.Version),
			)
			return nil, model.NewConflictError(current.ID)
		}
		return nil, fmt.Errorf("failed to update issue: %w", err)
	}

	s.publisher.Publish(notify.Event{
		Type:       notify.EventIssueUpdated,
		IssueID:    updated.ID,
		ReporterID: updated.ReporterID,
		ActorID:    sess.PrincipalID,
		Title:      updated.Title,
		At:         updated.UpdatedAt,
	})
	slog.Info("issue updated",
		slog.String("issue_id", updated.ID),
		slog.String("actor_id", sess.PrincipalID),
		slog.Int64("version", updated.Version),
	)
	return &updated, nil
}

// History は課題の遷移履歴を古い順に返す。
func (s *Service) History(ctx context.Context, sess *model.Session, id string) ([]*model.StatusChange, error) {
	if err := auth.Check(sess, s.now()); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.ViewIssue, nil) {
		return nil, model.NewForbiddenError()
	}
	if _, err := s.find(ctx, id); err != nil {
		return nil, err
	}
	changes, err := s.repo.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list issue history: %w", err)
	}
	return changes, nil
}

// Delete は課題を削除する。コメントと履歴も削除される。
func (s *Service) Delete(ctx context.Context, sess *model.Session, id string) error {
	now := s.now()
	if err := auth.Check(sess, now); err != nil {
		return err
	}
	if !policy.CanPerform(sess.Role, policy.DeleteIssue, nil) {
		return model.NewForbiddenError()
	}
	current, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewNotFoundError("issue", id)
		}
		return fmt.Errorf("failed to delete issue: %w", err)
	}

	s.publisher.Publish(notify.Event{
		Type:       notify.EventIssueDeleted,
		IssueID:    id,
		ReporterID: current.ReporterID,
		ActorID:    sess.PrincipalID,
		At:         now,
	})
	slog.Info("issue deleted", slog.String("issue_id", id), slog.String("actor_id", sess.PrincipalID))
	return nil
}

func (s *Service) find(ctx context.Context, id string) (*model.Issue, error) {
	if id == "" {
		return nil, model.NewNotFoundError("issue", id)
	}
	issue, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find issue: %w", err)
	}
	if issue == nil {
		return nil, model.NewNotFoundError("issue", id)
	}
	return issue, nil
}

// timestamp はPostgresの精度に合わせてマイクロ秒で切り捨てたUTC時刻を返す。
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
