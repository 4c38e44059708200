package model

import "time"

// Comment は課題へのコメントを表す。作成後は変更されない。
type Comment struct {
	ID        string
	IssueID   string
	AuthorID  string
	Body      string // サニタイズ済み
	CreatedAt time.Time
}
