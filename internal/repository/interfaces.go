// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/issuedesk/internal/model"
)

// リポジトリ層が返すエラー。サービス層でmodel.APIErrorに変換される。
var (
	// ErrDuplicate は一意制約違反を表す。
	ErrDuplicate = errors.New("repository: duplicate key")
	// ErrNotFound は更新・削除対象、または参照先が存在しないことを表す。
	ErrNotFound = errors.New("repository: not found")
	// ErrVersionMismatch は楽観ロックのバージョン不一致を表す。
	ErrVersionMismatch = errors.New("repository: version mismatch")
)

// PrincipalRepository はプリンシパルの永続化インターフェース。
type PrincipalRepository interface {
	// FindByID は指定IDのプリンシパルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Principal, error)

	// FindByEmail は正規化済みメールアドレスでプリンシパルを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Principal, error)

	// Create はプリンシパルを作成する。メールアドレス重複時はErrDuplicateを返す。
	Create(ctx context.Context, principal *model.Principal) error

	// UpdateRole はプリンシパルのロールを更新する。存在しない場合はErrNotFoundを返す。
	UpdateRole(ctx context.Context, id string, role model.Role, updatedAt time.Time) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// 期限切れの判定は呼び出し側で行う。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しなくてもエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByPrincipalID は指定プリンシパルの全セッションを削除する。
	DeleteByPrincipalID(ctx context.Context, principalID string) error
	// DeleteExpired はnow時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// IssueRepository は課題と遷移履歴の永続化インターフェース。
type IssueRepository interface {
	// Create は課題と作成履歴を同一トランザクションで作成する。
	Create(ctx context.Context, issue *model.Issue, created *model.StatusChange) error

	// FindByID は指定IDの課題を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Issue, error)

	// FindByExternalRef はインポート元識別子で課題を検索する。見つからない場合はnilを返す。
	FindByExternalRef(ctx context.Context, ref string) (*model.Issue, error)

	// List は条件に一致する課題をUpdatedAt降順・ID昇順で最大limit件返す。
	// cursorがゼロ値の場合は先頭から取得する。一致なしの場合は空スライスを返す。
	List(ctx context.Context, filter model.IssueFilter, cursor model.IssueCursor, limit int) ([]*model.Issue, error)

	// TransitionStatus はexpectedVersionが現在のバージョンと一致する場合のみ
	// ステータス・バージョン・更新日時を書き込み、遷移履歴を追加する。
	// 不一致（または課題が削除済み）の場合はErrVersionMismatchを返す。
	TransitionStatus(ctx context.Context, issue *model.Issue, expectedVersion int64, change *model.StatusChange) error

	// UpdateDetails はexpectedVersionが現在のバージョンと一致する場合のみ
	// タイトル・説明・重要度・バージョン・更新日時を書き込む。ステータスは変更しない。
	// 不一致（または課題が削除済み）の場合はErrVersionMismatchを返す。
	UpdateDetails(ctx context.Context, issue *model.Issue, expectedVersion int64) error

	// ListHistory は課題の遷移履歴を古い順に返す。
	ListHistory(ctx context.Context, issueID string) ([]*model.StatusChange, error)

	// ListHistoryBetween は[start, end)に記録された全課題の遷移履歴を古い順に返す。
	ListHistoryBetween(ctx context.Context, start, end time.Time) ([]*model.StatusChange, error)

	// ListRecentHistory は直近の遷移履歴を新しい順に最大limit件返す。
	ListRecentHistory(ctx context.Context, limit int) ([]*model.StatusChange, error)

	// CountByStatus はcreatedBeforeより前に作成された課題のステータスごとの件数を返す。
	// createdBeforeがゼロ値の場合は全件を数える。
	CountByStatus(ctx context.Context, createdBefore time.Time) (map[model.Status]int, error)

	// CountBySeverity はcreatedBeforeより前に作成された課題の重要度ごとの件数を返す。
	// createdBeforeがゼロ値の場合は全件を数える。
	CountBySeverity(ctx context.Context, createdBefore time.Time) (map[model.Severity]int, error)

	// Delete は課題を削除する。コメントと履歴はCASCADE削除される。
	// 存在しない場合はErrNotFoundを返す。
	Delete(ctx context.Context, id string) error
}

// CommentRepository はコメントの永続化インターフェース。追記のみを提供する。
type CommentRepository interface {
	// Create はコメントを作成する。対象課題が存在しない場合はErrNotFoundを返す。
	Create(ctx context.Context, comment *model.Comment) error

	// ListByIssue は課題のコメントをCreatedAt昇順（同時刻はID昇順）で返す。
	ListByIssue(ctx context.Context, issueID string) ([]*model.Comment, error)
}

// StatsRepository は日次統計の永続化インターフェース。
type StatsRepository interface {
	// UpsertDaily は日次統計を日付をキーにUPSERTする。
	UpsertDaily(ctx context.Context, stats *model.DailyStats) error

	// ListDailyRange は[start, end]の日次統計を日付昇順で返す。
	ListDailyRange(ctx context.Context, start, end time.Time) ([]*model.DailyStats, error)
}
