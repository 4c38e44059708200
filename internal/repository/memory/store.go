// Package memory はプロセス内メモリを使うリポジトリ実装を提供する。
// 単一のsync.RWMutexで全マップを保護し、読み出しは常にコピーを返す。
// 開発・テスト用であり、プロセス終了で内容は失われる。
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/repository"
)

// Store はメモリ上のデータストア。各リポジトリはこのStoreを共有する。
type Store struct {
	mu sync.RWMutex

	principals       map[string]model.Principal
	principalByEmail map[string]string
	sessions         map[string]model.Session
	issues           map[string]model.Issue
	issueByRef       map[string]string
	history          []model.StatusChange
	comments         map[string][]model.Comment // issueID -> コメント（追加順）
	daily            map[string]model.DailyStats // "2006-01-02" -> 統計
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		principals:       make(map[string]model.Principal),
		principalByEmail: make(map[string]string),
		sessions:         make(map[string]model.Session),
		issues:           make(map[string]model.Issue),
		issueByRef:       make(map[string]string),
		comments:         make(map[string][]model.Comment),
		daily:            make(map[string]model.DailyStats),
	}
}

// Principals はプリンシパルリポジトリを返す。
func (s *Store) Principals() *PrincipalRepo { return &PrincipalRepo{s: s} }

// Sessions はセッションリポジトリを返す。
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s: s} }

// Issues は課題リポジトリを返す。
func (s *Store) Issues() *IssueRepo { return &IssueRepo{s: s} }

// Comments はコメントリポジトリを返す。
func (s *Store) Comments() *CommentRepo { return &CommentRepo{s: s} }

// Stats は日次統計リポジトリを返す。
func (s *Store) Stats() *StatsRepo { return &StatsRepo{s: s} }

// ============================================================
// Principal
// ============================================================

// PrincipalRepo はメモリ上のプリンシパルリポジトリ。
type PrincipalRepo struct{ s *Store }

// FindByID は指定IDのプリンシパルを取得する。見つからない場合はnilを返す。
func (r *PrincipalRepo) FindByID(_ context.Context, id string) (*model.Principal, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.principals[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// FindByEmail はメールアドレスでプリンシパルを検索する。見つからない場合はnilを返す。
func (r *PrincipalRepo) FindByEmail(_ context.Context, email string) (*model.Principal, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.principalByEmail[email]
	if !ok {
		return nil, nil
	}
	p := r.s.principals[id]
	return &p, nil
}

// Create はプリンシパルを作成する。メールアドレス重複時はErrDuplicateを返す。
func (r *PrincipalRepo) Create(_ context.Context, p *model.Principal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.principalByEmail[p.Email]; exists {
		return repository.ErrDuplicate
	}
	if _, exists := r.s.principals[p.ID]; exists {
		return repository.ErrDuplicate
	}
	r.s.principals[p.ID] = *p
	r.s.principalByEmail[p.Email] = p.ID
	return nil
}

// UpdateRole はプリンシパルのロールを更新する。
func (r *PrincipalRepo) UpdateRole(_ context.Context, id string, role model.Role, updatedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.principals[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Role = role
	p.UpdatedAt = updatedAt
	r.s.principals[id] = p
	return nil
}

// ============================================================
// Session
// ============================================================

// SessionRepo はメモリ上のセッションリポジトリ。
type SessionRepo struct{ s *Store }

// Create はセッションを作成する。プリンシパルが存在しない場合はErrNotFoundを返す。
func (r *SessionRepo) Create(_ context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.principals[session.PrincipalID]; !ok {
		return repository.ErrNotFound
	}
	r.s.sessions[session.ID] = *session
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *SessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	session, ok := r.s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *SessionRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	return nil
}

// DeleteByPrincipalID は指定プリンシパルの全セッションを削除する。
func (r *SessionRepo) DeleteByPrincipalID(_ context.Context, principalID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, session := range r.s.sessions {
		if session.PrincipalID == principalID {
			delete(r.s.sessions, id)
		}
	}
	return nil
}

// DeleteExpired はnow時点で期限切れのセッションを削除し、削除件数を返す。
func (r *SessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, session := range r.s.sessions {
		if session.Expired(now) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// ============================================================
// Issue
// ============================================================

// IssueRepo はメモリ上の課題リポジトリ。
type IssueRepo struct{ s *Store }

// Create は課題と作成履歴を作成する。
func (r *IssueRepo) Create(_ context.Context, issue *model.Issue, created *model.StatusChange) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.principals[issue.ReporterID]; !ok {
		return repository.ErrNotFound
	}
	if _, exists := r.s.issues[issue.ID]; exists {
		return repository.ErrDuplicate
	}
	if issue.ExternalRef != "" {
		if _, exists := r.s.issueByRef[issue.ExternalRef]; exists {
			return repository.ErrDuplicate
		}
		r.s.issueByRef[issue.ExternalRef] = issue.ID
	}
	r.s.issues[issue.ID] = *issue
	if created != nil {
		r.s.history = append(r.s.history, *created)
	}
	return nil
}

// FindByID は指定IDの課題を取得する。見つからない場合はnilを返す。
func (r *IssueRepo) FindByID(_ context.Context, id string) (*model.Issue, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	issue, ok := r.s.issues[id]
	if !ok {
		return nil, nil
	}
	return &issue, nil
}

// FindByExternalRef はインポート元識別子で課題を検索する。見つからない場合はnilを返す。
func (r *IssueRepo) FindByExternalRef(_ context.Context, ref string) (*model.Issue, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.issueByRef[ref]
	if !ok {
		return nil, nil
	}
	issue := r.s.issues[id]
	return &issue, nil
}

// matches は課題が絞り込み条件に一致するかを返す。
// テキストは大文字小文字を区別しない部分一致。
func matches(issue *model.Issue, f model.IssueFilter) bool {
	if f.Status != "" && issue.Status != f.Status {
		return false
	}
	if f.Severity != "" && issue.Severity != f.Severity {
		return false
	}
	if f.ReporterID != "" && issue.ReporterID != f.ReporterID {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(issue.Title), needle) &&
			!strings.Contains(strings.ToLower(issue.Description), needle) {
			return false
		}
	}
	return true
}

// after はカーソル位置より後ろ（UpdatedAt降順、ID昇順）にあるかを返す。
func after(issue *model.Issue, c model.IssueCursor) bool {
	if issue.UpdatedAt.Before(c.UpdatedAt) {
		return true
	}
	return issue.UpdatedAt.Equal(c.UpdatedAt) && issue.ID > c.ID
}

// List は条件に一致する課題をUpdatedAt降順・ID昇順で最大limit件返す。
func (r *IssueRepo) List(_ context.Context, filter model.IssueFilter, cursor model.IssueCursor, limit int) ([]*model.Issue, error) {
	r.s.mu.RLock()
	matched := make([]*model.Issue, 0)
	for _, issue := range r.s.issues {
		if !matches(&issue, filter) {
			continue
		}
		if !cursor.IsZero() && !after(&issue, cursor) {
			continue
		}
		matched = append(matched, &issue)
	}
	r.s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	if limit >= 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// TransitionStatus はバージョンが一致する場合のみステータスを書き込み、遷移履歴を追加する。
func (r *IssueRepo) TransitionStatus(_ context.Context, issue *model.Issue, expectedVersion int64, change *model.StatusChange) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.issues[issue.ID]
	if !ok || current.Version != expectedVersion {
		return repository.ErrVersionMismatch
	}
	current.Status = issue.Status
	current.Version = issue.Version
	current.UpdatedAt = issue.UpdatedAt
	r.s.issues[issue.ID] = current
	r.s.history = append(r.s.history, *change)
	return nil
}

// UpdateDetails はバージョンが一致する場合のみタイトル・説明・重要度を書き込む。
func (r *IssueRepo) UpdateDetails(_ context.Context, issue *model.Issue, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.issues[issue.ID]
	if !ok || current.Version != expectedVersion {
		return repository.ErrVersionMismatch
	}
	current.Title = issue.Title
	current.Description = issue.Description
	current.Severity = issue.Severity
	current.Version = issue.Version
	current.UpdatedAt = issue.UpdatedAt
	r.s.issues[issue.ID] = current
	return nil
}

// sortHistory は履歴を時刻昇順（同時刻はID昇順）に並べる。
func sortHistory(changes []*model.StatusChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if !changes[i].At.Equal(changes[j].At) {
			return changes[i].At.Before(changes[j].At)
		}
		return changes[i].ID < changes[j].ID
	})
}

func (r *IssueRepo) collectHistory(keep func(*model.StatusChange) bool) []*model.StatusChange {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*model.StatusChange, 0)
	for _, c := range r.s.history {
		if keep(&c) {
			out = append(out, &c)
		}
	}
	return out
}

// ListHistory は課題の遷移履歴を古い順に返す。
func (r *IssueRepo) ListHistory(_ context.Context, issueID string) ([]*model.StatusChange, error) {
	out := r.collectHistory(func(c *model.StatusChange) bool { return c.IssueID == issueID })
	sortHistory(out)
	return out, nil
}

// ListHistoryBetween は[start, end)に記録された全課題の遷移履歴を古い順に返す。
func (r *IssueRepo) ListHistoryBetween(_ context.Context, start, end time.Time) ([]*model.StatusChange, error) {
	out := r.collectHistory(func(c *model.StatusChange) bool {
		return !c.At.Before(start) && c.At.Before(end)
	})
	sortHistory(out)
	return out, nil
}

// ListRecentHistory は直近の遷移履歴を新しい順に最大limit件返す。
func (r *IssueRepo) ListRecentHistory(_ context.Context, limit int) ([]*model.StatusChange, error) {
	out := r.collectHistory(func(*model.StatusChange) bool { return true })
	sortHistory(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus はcreatedBeforeより前に作成された課題のステータスごとの件数を返す。
func (r *IssueRepo) CountByStatus(_ context.Context, createdBefore time.Time) (map[model.Status]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[model.Status]int)
	for _, issue := range r.s.issues {
		if createdBeforeMatches(&issue, createdBefore) {
			counts[issue.Status]++
		}
	}
	return counts, nil
}

// CountBySeverity はcreatedBeforeより前に作成された課題の重要度ごとの件数を返す。
func (r *IssueRepo) CountBySeverity(_ context.Context, createdBefore time.Time) (map[model.Severity]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[model.Severity]int)
	for _, issue := range r.s.issues {
		if createdBeforeMatches(&issue, createdBefore) {
			counts[issue.Severity]++
		}
	}
	return counts, nil
}

func createdBeforeMatches(issue *model.Issue, createdBefore time.Time) bool {
	return createdBefore.IsZero() || issue.CreatedAt.Before(createdBefore)
}

// Delete は課題を削除する。コメントと履歴も併せて削除する。
func (r *IssueRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	issue, ok := r.s.issues[id]
	if !ok {
		return repository.ErrNotFound
	}
	delete(r.s.issues, id)
	if issue.ExternalRef != "" {
		delete(r.s.issueByRef, issue.ExternalRef)
	}
	delete(r.s.comments, id)

	kept := r.s.history[:0]
	for _, c := range r.s.history {
		if c.IssueID != id {
			kept = append(kept, c)
		}
	}
	r.s.history = kept
	return nil
}

// ============================================================
// Comment
// ============================================================

// CommentRepo はメモリ上のコメントリポジトリ。
type CommentRepo struct{ s *Store }

// Create はコメントを追加する。対象課題が存在しない場合はErrNotFoundを返す。
// 存在確認と追加は同じロック内で行う。
func (r *CommentRepo) Create(_ context.Context, c *model.Comment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.issues[c.IssueID]; !ok {
		return repository.ErrNotFound
	}
	r.s.comments[c.IssueID] = append(r.s.comments[c.IssueID], *c)
	return nil
}

// ListByIssue は課題のコメントをCreatedAt昇順（同時刻はID昇順）で返す。
func (r *CommentRepo) ListByIssue(_ context.Context, issueID string) ([]*model.Comment, error) {
	r.s.mu.RLock()
	src := r.s.comments[issueID]
	out := make([]*model.Comment, 0, len(src))
	for _, c := range src {
		out = append(out, &c)
	}
	r.s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ============================================================
// Stats
// ============================================================

// StatsRepo はメモリ上の日次統計リポジトリ。
type StatsRepo struct{ s *Store }

func dayKey(t time.Time) string { return t.UTC().Format(time.DateOnly) }

func copyStats(s model.DailyStats) *model.DailyStats {
	out := s
	out.CountsByStatus = make(map[model.Status]int, len(s.CountsByStatus))
	for k, v := range s.CountsByStatus {
		out.CountsByStatus[k] = v
	}
	out.CountsBySeverity = make(map[model.Severity]int, len(s.CountsBySeverity))
	for k, v := range s.CountsBySeverity {
		out.CountsBySeverity[k] = v
	}
	return &out
}

// UpsertDaily は日次統計を日付をキーに保存する。
func (r *StatsRepo) UpsertDaily(_ context.Context, s *model.DailyStats) error {
	stored := copyStats(*s)
	stored.Date = s.Date.UTC().Truncate(24 * time.Hour)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.daily[dayKey(s.Date)] = *stored
	return nil
}

// ListDailyRange は[start, end]の日次統計を日付昇順で返す。
func (r *StatsRepo) ListDailyRange(_ context.Context, start, end time.Time) ([]*model.DailyStats, error) {
	from, to := dayKey(start), dayKey(end)
	r.s.mu.RLock()
	out := make([]*model.DailyStats, 0)
	for key, s := range r.s.daily {
		if key >= from && key <= to {
			out = append(out, copyStats(s))
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// compile-time interface check
var (
	_ repository.PrincipalRepository = (*PrincipalRepo)(nil)
	_ repository.SessionRepository   = (*SessionRepo)(nil)
	_ repository.IssueRepository     = (*IssueRepo)(nil)
	_ repository.CommentRepository   = (*CommentRepo)(nil)
	_ repository.StatsRepository     = (*StatsRepo)(nil)
)
