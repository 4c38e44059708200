// Package policy はロールと操作から可否を判定する純粋な認可ポリシーを提供する。
// 副作用を持たず、全ての認可判定はこのパッケージの関数を経由する。
package policy

import "github.com/hitoshi/issuedesk/internal/model"

// Action は認可対象の操作を表す。
type Action string

const (
	ViewIssue    Action = "view_issue"
	CreateIssue  Action = "create_issue"
	ChangeStatus Action = "change_status"
	Comment      Action = "comment"
	ViewAll      Action = "view_all" // 起票者で絞り込まない一覧閲覧
	DeleteIssue  Action = "delete_issue"
	ViewStats    Action = "view_stats" // 日次統計の閲覧
	ImportIssues Action = "import_issues"
	EditIssue    Action = "edit_issue" // タイトル・説明・重要度の編集。ステータスは含まない
)

// Actions は定義済みの操作を返す。
func Actions() []Action {
	return []Action{ViewIssue, CreateIssue, ChangeStatus, Comment, ViewAll, DeleteIssue, ViewStats, ImportIssues, EditIssue}
}

// rules はロールごとに許可される操作の表。
// 表にないロール・操作は全て拒否される。
var rules = map[model.Role]map[Action]bool{
	model.RoleReporter: {
		ViewIssue:   true,
		CreateIssue: true,
		Comment:     true,
		EditIssue:   true,
	},
	model.RoleMaintainer: {
		ViewIssue:    true,
		CreateIssue:  true,
		Comment:      true,
		ChangeStatus: true,
		ViewAll:      true,
		ViewStats:    true,
		ImportIssues: true,
		EditIssue:    true,
	},
	model.RoleAdmin: {
		ViewIssue:    true,
		CreateIssue:  true,
		Comment:      true,
		ChangeStatus: true,
		ViewAll:      true,
		ViewStats:    true,
		ImportIssues: true,
		DeleteIssue:  true,
		EditIssue:    true,
	},
}

// CanPerform はロールが操作を実行できるかを判定する。
// 第3引数は対象課題（存在しない操作ではnil）。現行のルールでは課題の状態に依存しない。
func CanPerform(role model.Role, action Action, _ *model.Issue) bool {
	return rules[role][action]
}

// CanEdit はprincipalIDのプリンシパルが課題を編集できるかを判定する。
// 全件を閲覧できないロールは自分が起票した課題のみ編集できる。
func CanEdit(role model.Role, principalID string, issue *model.Issue) bool {
	if issue == nil || !CanPerform(role, EditIssue, issue) {
		return false
	}
	return CanPerform(role, ViewAll, issue) || issue.ReporterID == principalID
}

// Capabilities は対象課題に対してロールが実行できる操作の一覧を返す。
// 拒否された操作は含まれない（無効化ではなく不在として表現する）。
func Capabilities(role model.Role, issue *model.Issue) []Action {
	var out []Action
	for _, a := range []Action{ViewIssue, Comment, ChangeStatus, DeleteIssue} {
		if CanPerform(role, a, issue) {
			out = append(out, a)
		}
	}
	return out
}

// AvailableTransitions はロールが課題に対して選択できる遷移先ステータスを返す。
// ステータス変更が許可されていない場合はnilを返す。
func AvailableTransitions(role model.Role, issue *model.Issue) []model.Status {
	if issue == nil || !CanPerform(role, ChangeStatus, issue) {
		return nil
	}
	return issue.Status.NextStatuses()
}
