package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/issuedesk/internal/model"
)

// PostgresCommentRepo はPostgreSQLを使用したコメントリポジトリ。
type PostgresCommentRepo struct {
	db *sql.DB
}

// NewPostgresCommentRepo はPostgresCommentRepoを生成する。
func NewPostgresCommentRepo(db *sql.DB) *PostgresCommentRepo {
	return &PostgresCommentRepo{db: db}
}

// Create はコメントを作成する。
// 対象課題が存在しない（同時に削除された場合を含む）ときはErrNotFoundを返す。
func (r *PostgresCommentRepo) Create(ctx context.Context, c *model.Comment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO comments (id, issue_id, author_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.IssueID, c.AuthorID, c.Body, c.CreatedAt,
	)
	if isForeignKeyViolation(err) || isInvalidInput(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

// ListByIssue は課題のコメントをCreatedAt昇順（同時刻はID昇順）で返す。
func (r *PostgresCommentRepo) ListByIssue(ctx context.Context, issueID string) ([]*model.Comment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, issue_id, author_id, body, created_at
		 FROM comments
		 WHERE issue_id = $1
		 ORDER BY created_at ASC, id ASC`,
		issueID,
	)
	if isInvalidInput(err) {
		return []*model.Comment{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	comments := []*model.Comment{}
	for rows.Next() {
		c := &model.Comment{}
		if err := rows.Scan(&c.ID, &c.IssueID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment row: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate comments: %w", err)
	}
	return comments, nil
}

// compile-time interface check
var _ CommentRepository = (*PostgresCommentRepo)(nil)
