package model

import "time"

// Severity は課題の重要度を表す。ステータスとは独立している。
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities は定義済みの重要度を昇順で返す。
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// Valid は重要度が定義済みの値かどうかを返す。
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Status は課題のライフサイクル上の段階を表す。
type Status string

const (
	// StatusOpen は初期状態。
	StatusOpen Status = "OPEN"
	// StatusInProgress は対応中。
	StatusInProgress Status = "IN_PROGRESS"
	// StatusResolved は解決済み（再オープン可能）。
	StatusResolved Status = "RESOLVED"
	// StatusClosed は終端状態。以降の遷移はない。
	StatusClosed Status = "CLOSED"
)

// Statuses は定義済みのステータスをライフサイクル順で返す。
func Statuses() []Status {
	return []Status{StatusOpen, StatusInProgress, StatusResolved, StatusClosed}
}

// Valid はステータスが定義済みの値かどうかを返す。
func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// statusTransitions はステータスの状態遷移グラフ。
var statusTransitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusClosed},
	StatusInProgress: {StatusResolved, StatusOpen, StatusClosed},
	StatusResolved:   {StatusClosed, StatusInProgress},
	StatusClosed:     {},
}

// CanTransitionTo は現在のステータスから指定ステータスへ遷移可能かを返す。
// 同一ステータスへの遷移は辺として存在しないため不可。
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range statusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// NextStatuses は現在のステータスから遷移可能なステータスを返す。
func (s Status) NextStatuses() []Status {
	next := statusTransitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// Terminal は終端状態かどうかを返す。
func (s Status) Terminal() bool {
	return s.Valid() && len(statusTransitions[s]) == 0
}

// Issue は課題を表す。
// ReporterIDは作成後に変更されない。UpdatedAtは単調非減少。
// Versionはステータス書き込みごとに1増える楽観ロック用トークン。
type Issue struct {
	ID          string
	Title       string
	Description string
	Severity    Severity
	Status      Status
	ReporterID  string
	ExternalRef string // インポート元エントリの識別子。手動起票では空
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IssueFilter は課題一覧の絞り込み条件。
// 空のフィールドは条件なしを意味する。
type IssueFilter struct {
	Status     Status
	Severity   Severity
	Text       string // タイトル・説明文の大文字小文字を区別しない部分一致
	ReporterID string // 起票者による絞り込み（閲覧範囲の制限に使用）
}

// IssueCursor はキーセットページネーションの位置を表す。
// 並び順（UpdatedAt降順、ID昇順）における直前の課題を指す。
type IssueCursor struct {
	UpdatedAt time.Time
	ID        string
}

// IsZero はカーソルが未指定かどうかを返す。
func (c IssueCursor) IsZero() bool {
	return c.ID == "" && c.UpdatedAt.IsZero()
}

// StatusChange はステータス遷移の記録を表す。
// 遷移成功時の確認イベントとして呼び出し元に返され、履歴として永続化される。
// Fromが空の場合は課題の作成を表す。
type StatusChange struct {
	ID      string
	IssueID string
	ActorID string
	From    Status
	To      Status
	Note    string
	At      time.Time
}
