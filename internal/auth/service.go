// Package auth はメールアドレスとパスワードによる認証とセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/issuedesk/internal/metrics"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/repository"
)

// RoleMode はセッションのロールをいつ確定させるかを表す。
type RoleMode string

const (
	// RoleModeSnapshot はセッション発行時のロールを有効期限まで使い続ける。
	RoleModeSnapshot RoleMode = "snapshot"
	// RoleModeStrict はセッション解決のたびにプリンシパルを読み直し、
	// ロールが変わっていればセッションを失効させる。
	RoleModeStrict RoleMode = "strict"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	RoleMode      RoleMode
	BcryptCost    int
}

// RegisterInput はアカウント登録の入力。
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	principalRepo repository.PrincipalRepository
	sessionRepo   repository.SessionRepository
	metrics       metrics.MetricsCollector
	config        ServiceConfig
	dummyHash     string
	now           func() time.Time
}

// NewService はServiceを生成する。
// 未登録メールアドレスでの照合に使うダミーハッシュを設定のコストで生成する。
func NewService(
	principalRepo repository.PrincipalRepository,
	sessionRepo repository.SessionRepository,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if config.RoleMode == "" {
		config.RoleMode = RoleModeSnapshot
	}
	dummy, err := HashPassword("issuedesk-dummy-password", config.BcryptCost)
	if err != nil {
		// bcryptはコスト範囲内なら失敗しない
		panic(fmt.Sprintf("auth: failed to prepare dummy hash: %v", err))
	}
	return &Service{
		principalRepo: principalRepo,
		sessionRepo:   sessionRepo,
		metrics:       metrics.OrNop(collector),
		config:        config,
		dummyHash:     dummy,
		now:           time.Now,
	}
}

// Authenticate はメールアドレスとパスワードを検証し、セッションを発行する。
// 検証順序: メール空 → メール形式 → パスワード空 → 認証情報。
// 未登録メールアドレスとパスワード不一致は同一のエラーを返す。
func (s *Service) Authenticate(ctx context.Context, email, password string) (*model.Session, error) {
	email = NormalizeEmail(email)
	if email == "" {
		s.metrics.RecordLoginFailure("validation")
		return nil, model.NewValidationError("Email is required")
	}
	if err := validateEmailFormat(email); err != nil {
		s.metrics.RecordLoginFailure("validation")
		return nil, model.NewValidationError("Invalid email format")
	}
	if password == "" {
		s.metrics.RecordLoginFailure("validation")
		return nil, model.NewValidationError("Password is required")
	}

	principal, err := s.principalRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal: %w", err)
	}
	if principal == nil {
		// 応答時間で登録有無が分からないよう、ダミーハッシュと照合する
		ComparePassword(s.dummyHash, password)
		s.metrics.RecordLoginFailure("invalid_credentials")
		return nil, model.NewInvalidCredentialsError()
	}
	if !ComparePassword(principal.PasswordHash, password) {
		s.metrics.RecordLoginFailure("invalid_credentials")
		slog.Warn("login failed", slog.String("principal_id", principal.ID))
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, principal)
	if err != nil {
		return nil, err
	}
	slog.Info("principal logged in",
		slog.String("principal_id", principal.ID),
		slog.String("role", string(principal.Role)),
	)
	return session, nil
}

// Register はReporterロールのプリンシパルを作成し、セッションを発行する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.Session, error) {
	email := NormalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)

	if email == "" {
		return nil, model.NewValidationError("Email is required")
	}
	if err := validateEmailFormat(email); err != nil {
		return nil, model.NewValidationError("Invalid email format")
	}
	if name == "" {
		return nil, model.NewValidationError("Name is required")
	}
	if in.Password == "" {
		return nil, model.NewValidationError("Password is required")
	}
	if msg := validatePasswordStrength(in.Password); msg != "" {
		return nil, model.NewValidationError(msg)
	}

	hash, err := HashPassword(in.Password, s.config.BcryptCost)
	if err != nil {
		return nil, err
	}

	now := s.now()
	principal := &model.Principal{
		ID:           newID(),
		Email:        email,
		Name:         name,
		Role:         model.RoleReporter,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.principalRepo.Create(ctx, principal); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create principal: %w", err)
	}
	slog.Info("principal registered", slog.String("principal_id", principal.ID))

	return s.createSession(ctx, principal)
}

// Logout はセッションを破棄する。
// 空トークン・未知トークン・2回目の呼び出しはいずれもエラーにしない。
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.sessionRepo.DeleteByID(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("session closed")
	return nil
}

// ResolveSession はトークンから有効なセッションを取得する。
// 未知・期限切れのトークンはUnauthenticatedを返す。期限切れセッションは削除する。
// RoleModeStrictではプリンシパルのロールが変わっていればセッションを失効させる。
func (s *Service) ResolveSession(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, model.NewUnauthenticatedError()
	}

	session, err := s.sessionRepo.FindByID(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewUnauthenticatedError()
	}
	if session.Expired(s.now()) {
		if err := s.sessionRepo.DeleteByID(ctx, token); err != nil {
			slog.Warn("failed to delete expired session", slog.String("error", err.Error()))
		}
		return nil, model.NewUnauthenticatedError()
	}

	if s.config.RoleMode == RoleModeStrict {
		principal, err := s.principalRepo.FindByID(ctx, session.PrincipalID)
		if err != nil {
			return nil, fmt.Errorf("failed to find principal: %w", err)
		}
		if principal == nil || principal.Role != session.Role {
			if err := s.sessionRepo.DeleteByID(ctx, token); err != nil {
				slog.Warn("failed to revoke session", slog.String("error", err.Error()))
			}
			slog.Info("session revoked after role change", slog.String("principal_id", session.PrincipalID))
			return nil, model.NewUnauthenticatedError()
		}
	}

	return session, nil
}

// CurrentPrincipal はセッションのプリンシパルを取得する。
func (s *Service) CurrentPrincipal(ctx context.Context, session *model.Session) (*model.Principal, error) {
	if err := Check(session, s.now()); err != nil {
		return nil, err
	}
	principal, err := s.principalRepo.FindByID(ctx, session.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal: %w", err)
	}
	if principal == nil {
		return nil, model.NewUnauthenticatedError()
	}
	return principal, nil
}

// Check はセッションが存在し期限内であることを検証する。
// 認可が必要な全操作の先頭で、ポリシー判定やストア参照より前に呼び出す。
func Check(session *model.Session, now time.Time) error {
	if session == nil || session.PrincipalID == "" || session.Expired(now) {
		return model.NewUnauthenticatedError()
	}
	return nil
}

// createSession はプリンシパルの現在のロールでセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, principal *model.Principal) (*model.Session, error) {
	token, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:          token,
		PrincipalID: principal.ID,
		Role:        principal.Role,
		ExpiresAt:   now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:   now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// newID は時刻順に並ぶUUIDv7を生成する。
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
