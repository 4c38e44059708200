package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/issuedesk/internal/model"
)

// PostgresPrincipalRepo はPostgreSQLを使用したプリンシパルリポジトリ。
type PostgresPrincipalRepo struct {
	db *sql.DB
}

// NewPostgresPrincipalRepo はPostgresPrincipalRepoを生成する。
func NewPostgresPrincipalRepo(db *sql.DB) *PostgresPrincipalRepo {
	return &PostgresPrincipalRepo{db: db}
}

const principalColumns = `id, email, name, role, password_hash, created_at, updated_at`

func scanPrincipal(row interface{ Scan(...any) error }) (*model.Principal, error) {
	p := &model.Principal{}
	var role string
	if err := row.Scan(&p.ID, &p.Email, &p.Name, &role, &p.PasswordHash, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Role = model.Role(role)
	return p, nil
}

// FindByID は指定IDのプリンシパルを取得する。見つからない場合はnilを返す。
func (r *PostgresPrincipalRepo) FindByID(ctx context.Context, id string) (*model.Principal, error) {
	p, err := scanPrincipal(r.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) || isInvalidInput(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find principal by ID: %w", err)
	}
	return p, nil
}

// FindByEmail は正規化済みメールアドレスでプリンシパルを検索する。見つからない場合はnilを返す。
func (r *PostgresPrincipalRepo) FindByEmail(ctx context.Context, email string) (*model.Principal, error) {
	p, err := scanPrincipal(r.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE email = $1`,
		email,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find principal by email: %w", err)
	}
	return p, nil
}

// Create はプリンシパルを作成する。メールアドレス重複時はErrDuplicateを返す。
func (r *PostgresPrincipalRepo) Create(ctx context.Context, p *model.Principal) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO principals (id, email, name, role, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Email, p.Name, string(p.Role), p.PasswordHash, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert principal: %w", err)
	}
	return nil
}

// UpdateRole はプリンシパルのロールを更新する。存在しない場合はErrNotFoundを返す。
func (r *PostgresPrincipalRepo) UpdateRole(ctx context.Context, id string, role model.Role, updatedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE principals SET role = $2, updated_at = $3 WHERE id = $1`,
		id, string(role), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update principal role: %w", err)
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
var _ PrincipalRepository = (*PostgresPrincipalRepo)(nil)
