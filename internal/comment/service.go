// Package comment は課題への追記専用のコメント機能を提供する。
package comment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

// MaxBodyLength はコメント本文の最大文字数（サニタイズ後）。
const MaxBodyLength = 10000

// Config はコメントサービスの設定。
type Config struct {
	// AllowOnClosed がfalseの場合、CLOSEDの課題へのコメントはISSUE_CLOSEDで拒否する。
	AllowOnClosed bool
}

// Service はコメントのビジネスロジックを提供する。
// コメントは作成後に変更・削除されず、課題のステータスや重要度も変更しない。
type Service struct {
	comments  repository.CommentRepository
	issues    repository.IssueRepository
	sanitizer security.ContentSanitizerService
	publisher notify.Publisher
	metrics   metrics.MetricsCollector
	config    Config
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	comments repository.CommentRepository,
	issues repository.IssueRepository,
	sanitizer security.ContentSanitizerService,
	publisher notify.Publisher,
	collector metrics.MetricsCollector,
	config Config,
) *Service {
	return &Service{
		comments:  comments,
		issues:    issues,
		sanitizer: sanitizer,
		publisher: notify.OrNop(publisher),
		metrics:   metrics.OrNop(collector),
		config:    config,
		now:       time.Now,
	}
}

// Add は課題にコメントを追加する。
// 存在しない課題は本文の内容に関わらずNotFoundを返し、その後に本文の空チェックを行う。
func (s *Service) Add(ctx context.Context, sess *model.Session, issueID, body string) (*model.Comment, error) {
	now := s.now().UTC().Truncate(time.Microsecond)
	if err := auth.Check(sess, now); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.Comment, nil) {
		return nil, model.NewForbiddenError()
	}

	issue, err := s.findIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}

	cleaned := s.sanitizer.Clean(body)
	if cleaned == "" {
		return nil, model.NewValidationError("Comment body is required")
	}
	if utf8.RuneCountInString(cleaned) > MaxBodyLength {
		return nil, model.NewValidationError(fmt.Sprintf("Comment must be at most %d characters", MaxBodyLength))
	}
	if issue.Status == model.StatusClosed && !s.config.AllowOnClosed {
		return nil, model.NewIssueClosedError(issue.ID)
	}

	comment := &model.Comment{
		ID:        newID(),
		IssueID:   issue.ID,
		AuthorID:  sess.PrincipalID,
		Body:      cleaned,
		CreatedAt: now,
	}
	if err := s.comments.Create(ctx, comment); err != nil {
		// 確認後に課題が削除された場合
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewNotFoundError("issue", issueID)
		}
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}

	s.metrics.RecordCommentAdded()
	s.publisher.Publish(notify.Event{
		Type:       notify.EventCommentAdded,
		IssueID:    issue.ID,
		ReporterID: issue.ReporterID,
		ActorID:    sess.PrincipalID,
		CommentID:  comment.ID,
		At:         now,
	})
	slog.Info("comment added",
		slog.String("issue_id", issue.ID),
		slog.String("comment_id", comment.ID),
		slog.String("author_id", sess.PrincipalID),
	)
	return comment, nil
}

// List は課題のコメントを作成日時の昇順で返す。
func (s *Service) List(ctx context.Context, sess *model.Session, issueID string) ([]*model.Comment, error) {
	if err := auth.Check(sess, s.now()); err != nil {
		return nil, err
	}
	if !policy.CanPerform(sess.Role, policy.ViewIssue, nil) {
		return nil, model.NewForbiddenError()
	}
	if _, err := s.findIssue(ctx, issueID); err != nil {
		return nil, err
	}
	comments, err := s.comments.ListByIssue(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}

func (s *Service) findIssue(ctx context.Context, id string) (*model.Issue, error) {
	if id == "" {
		return nil, model.NewNotFoundError("issue", id)
	}
	issue, err := s.issues.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find issue: %w", err)
	}
	if issue == nil {
		return nil, model.NewNotFoundError("issue", id)
	}
	return issue, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
