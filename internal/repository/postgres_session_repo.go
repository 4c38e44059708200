package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/issuedesk/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。発行時点のロールをスナップショットとして保存する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, principal_id, role, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.PrincipalID, string(session.Role), session.ExpiresAt, session.CreatedAt,
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
// 期限切れのセッションも返すため、判定は呼び出し側で行う。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	var role string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, principal_id, role, expires_at, created_at
		 FROM sessions
		 WHERE id = $1`,
		id,
	).Scan(&session.ID, &session.PrincipalID, &role, &session.ExpiresAt, &session.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	session.Role = model.Role(role)
	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByPrincipalID は指定プリンシパルの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByPrincipalID(ctx context.Context, principalID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE principal_id = $1`,
		principalID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete principal sessions: %w", err)
	}
	return nil
}

// DeleteExpired はnow時点で期限切れのセッションを削除し、削除件数を返す。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
