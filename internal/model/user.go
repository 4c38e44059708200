// Package model はドメインモデルを定義する。
package model

import "time"

// Role はプリンシパルの権限ロールを表す。
type Role string

const (
	// RoleReporter は課題の起票・閲覧・コメントのみ可能なロール。
	RoleReporter Role = "REPORTER"
	// RoleMaintainer は課題のステータス変更が可能なロール。
	RoleMaintainer Role = "MAINTAINER"
	// RoleAdmin は全操作が可能なロール。
	RoleAdmin Role = "ADMIN"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleReporter, RoleMaintainer, RoleAdmin:
		return true
	default:
		return false
	}
}

// Principal は認証主体（ユーザー）を表す。
// Emailは小文字に正規化され、一意である。
type Principal struct {
	ID           string
	Email        string
	Name         string
	Role         Role
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session はログインセッションを表す。
// Roleは発行時点のスナップショットであり、後からプリンシパルのロールが変わっても
// このセッションの認可結果は再認証まで変わらない。
type Session struct {
	ID          string
	PrincipalID string
	Role        Role
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Expired は指定時刻時点でセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
