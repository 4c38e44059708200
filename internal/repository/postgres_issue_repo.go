package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/issuedesk/internal/model"
)

// PostgresIssueRepo はPostgreSQLを使用した課題リポジトリ。
// 遷移履歴（issue_history）も同じリポジトリで扱う。
type PostgresIssueRepo struct {
	db *sql.DB
}

// NewPostgresIssueRepo はPostgresIssueRepoを生成する。
func NewPostgresIssueRepo(db *sql.DB) *PostgresIssueRepo {
	return &PostgresIssueRepo{db: db}
}

const issueColumns = `id, title, description, severity, status, reporter_id, external_ref, version, created_at, updated_at`

func scanIssue(row interface{ Scan(...any) error }) (*model.Issue, error) {
	issue := &model.Issue{}
	var severity, status string
	var externalRef sql.NullString
	if err := row.Scan(
		&issue.ID, &issue.Title, &issue.Description, &severity, &status,
		&issue.ReporterID, &externalRef, &issue.Version, &issue.CreatedAt, &issue.UpdatedAt,
	); err != nil {
		return nil, err
	}
	issue.Severity = model.Severity(severity)
	issue.Status = model.Status(status)
	issue.ExternalRef = nullStringValue(externalRef)
	return issue, nil
}

// Create は課題と作成履歴を同一トランザクションで作成する。
// ExternalRefの重複時はErrDuplicate、起票者が存在しない場合はErrNotFoundを返す。
func (r *PostgresIssueRepo) Create(ctx context.Context, issue *model.Issue, created *model.StatusChange) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO issues (`+issueColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		issue.ID, issue.Title, issue.Description, string(issue.Severity), string(issue.Status),
		issue.ReporterID, nullString(issue.ExternalRef), issue.Version, issue.CreatedAt, issue.UpdatedAt,
	)
	switch {
	case isUniqueViolation(err):
		return ErrDuplicate
	case isForeignKeyViolation(err):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("failed to insert issue: %w", err)
	}

	if created != nil {
		if err := insertHistory(ctx, tx, created); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByID は指定IDの課題を取得する。見つからない場合はnilを返す。
func (r *PostgresIssueRepo) FindByID(ctx context.Context, id string) (*model.Issue, error) {
	issue, err := scanIssue(r.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) || isInvalidInput(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find issue: %w", err)
	}
	return issue, nil
}

// FindByExternalRef はインポート元識別子で課題を検索する。見つからない場合はnilを返す。
func (r *PostgresIssueRepo) FindByExternalRef(ctx context.Context, ref string) (*model.Issue, error) {
	issue, err := scanIssue(r.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE external_ref = $1`,
		ref,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find issue by external ref: %w", err)
	}
	return issue, nil
}

// buildIssueListQuery は一覧取得用のSQLと引数を組み立てる。
// 条件はすべてANDで結合し、(updated_at, id)のキーセットで続きから取得する。
func buildIssueListQuery(filter model.IssueFilter, cursor model.IssueCursor, limit int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		conds = append(conds, "status = "+arg(string(filter.Status)))
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = "+arg(string(filter.Severity)))
	}
	if filter.ReporterID != "" {
		conds = append(conds, "reporter_id = "+arg(filter.ReporterID))
	}
	if filter.Text != "" {
		p := arg(likePattern(filter.Text))
		conds = append(conds, fmt.Sprintf("(title ILIKE %s OR description ILIKE %s)", p, p))
	}
	if !cursor.IsZero() {
		u := arg(cursor.UpdatedAt)
		id := arg(cursor.ID)
		conds = append(conds, fmt.Sprintf("(updated_at < %s OR (updated_at = %s AND id > %s))", u, u, id))
	}

	query := `SELECT ` + issueColumns + ` FROM issues`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC LIMIT " + arg(limit)
	return query, args
}

// List は条件に一致する課題をUpdatedAt降順・ID昇順で最大limit件返す。
func (r *PostgresIssueRepo) List(ctx context.Context, filter model.IssueFilter, cursor model.IssueCursor, limit int) ([]*model.Issue, error) {
	query, args := buildIssueListQuery(filter, cursor, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	issues := []*model.Issue{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}
	return issues, nil
}

// TransitionStatus はバージョンが一致する場合のみステータスを書き込み、遷移履歴を追加する。
// UPDATE ... WHERE version = $expected の単一文で比較と書き込みを行う。
func (r *PostgresIssueRepo) TransitionStatus(ctx context.Context, issue *model.Issue, expectedVersion int64, change *model.StatusChange) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE issues SET status = $2, version = $3, updated_at = $4
		 WHERE id = $1 AND version = $5`,
		issue.ID, string(issue.Status), issue.Version, issue.UpdatedAt, expectedVersion,
	)
	if isInvalidInput(err) {
		return ErrVersionMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to update issue status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVersionMismatch
	}

	if err := insertHistory(ctx, tx, change); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateDetails はバージョンが一致する場合のみタイトル・説明・重要度を書き込む。
func (r *PostgresIssueRepo) UpdateDetails(ctx context.Context, issue *model.Issue, expectedVersion int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE issues SET title = $2, description = $3, severity = $4, version = $5, updated_at = $6
		 WHERE id = $1 AND version = $7`,
		issue.ID, issue.Title, issue.Description, string(issue.Severity), issue.Version, issue.UpdatedAt, expectedVersion,
	)
	if isInvalidInput(err) {
		return ErrVersionMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to update issue: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVersionMismatch
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, c *model.StatusChange) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO issue_history (id, issue_id, actor_id, from_status, to_status, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.IssueID, c.ActorID, nullString(string(c.From)), string(c.To), c.Note, c.At,
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to insert issue history: %w", err)
	}
	return nil
}

const historyColumns = `id, issue_id, actor_id, from_status, to_status, note, created_at`

func (r *PostgresIssueRepo) queryHistory(ctx context.Context, query string, args ...any) ([]*model.StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if isInvalidInput(err) {
		return []*model.StatusChange{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list issue history: %w", err)
	}
	defer rows.Close()

	changes := []*model.StatusChange{}
	for rows.Next() {
		c := &model.StatusChange{}
		var from sql.NullString
		var to string
		if err := rows.Scan(&c.ID, &c.IssueID, &c.ActorID, &from, &to, &c.Note, &c.At); err != nil {
			return nil, fmt.Errorf("failed to scan issue history row: %w", err)
		}
		c.From = model.Status(nullStringValue(from))
		c.To = model.Status(to)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issue history: %w", err)
	}
	return changes, nil
}

// ListHistory は課題の遷移履歴を古い順に返す。
func (r *PostgresIssueRepo) ListHistory(ctx context.Context, issueID string) ([]*model.StatusChange, error) {
	return r.queryHistory(ctx,
		`SELECT `+historyColumns+` FROM issue_history WHERE issue_id = $1 ORDER BY created_at ASC, id ASC`,
		issueID,
	)
}

// ListHistoryBetween は[start, end)に記録された全課題の遷移履歴を古い順に返す。
func (r *PostgresIssueRepo) ListHistoryBetween(ctx context.Context, start, end time.Time) ([]*model.StatusChange, error) {
	return r.queryHistory(ctx,
		`SELECT `+historyColumns+` FROM issue_history
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at ASC, id ASC`,
		start, end,
	)
}

// ListRecentHistory は直近の遷移履歴を新しい順に最大limit件返す。
func (r *PostgresIssueRepo) ListRecentHistory(ctx context.Context, limit int) ([]*model.StatusChange, error) {
	return r.queryHistory(ctx,
		`SELECT `+historyColumns+` FROM issue_history ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit,
	)
}

func (r *PostgresIssueRepo) countBy(ctx context.Context, column string, createdBefore time.Time) (map[string]int, error) {
	query := `SELECT ` + column + `, count(*) FROM issues`
	var args []any
	if !createdBefore.IsZero() {
		query += ` WHERE created_at < $1`
		args = append(args, createdBefore)
	}
	rows, err := r.db.QueryContext(ctx, query+` GROUP BY `+column, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count issues by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan issue count row: %w", err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issue counts: %w", err)
	}
	return counts, nil
}

// CountByStatus はcreatedBeforeより前に作成された課題のステータスごとの件数を返す。
func (r *PostgresIssueRepo) CountByStatus(ctx context.Context, createdBefore time.Time) (map[model.Status]int, error) {
	raw, err := r.countBy(ctx, "status", createdBefore)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.Status]int, len(raw))
	for k, v := range raw {
		counts[model.Status(k)] = v
	}
	return counts, nil
}

// CountBySeverity はcreatedBeforeより前に作成された課題の重要度ごとの件数を返す。
func (r *PostgresIssueRepo) CountBySeverity(ctx context.Context, createdBefore time.Time) (map[model.Severity]int, error) {
	raw, err := r.countBy(ctx, "severity", createdBefore)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.Severity]int, len(raw))
	for k, v := range raw {
		counts[model.Severity(k)] = v
	}
	return counts, nil
}

// Delete は課題を削除する。コメントと履歴はCASCADE削除される。
func (r *PostgresIssueRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM issues WHERE id = $1`,
		id,
	)
	if isInvalidInput(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete issue: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ IssueRepository = (*PostgresIssueRepo)(nil)
