// Package notify は課題の変更イベントを購読者へ配信するインプロセスのハブを提供する。
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/issuedesk/internal/model"
)

// EventType はイベントの種類を表す。
type EventType string

const (
	EventIssueCreated  EventType = "issue_created"
	EventStatusChanged EventType = "status_changed"
	EventCommentAdded  EventType = "comment_added"
	EventIssueDeleted  EventType = "issue_deleted"
	EventIssueUpdated  EventType = "issue_updated"
)

// Event は購読者に配信される通知。
// ReporterIDは購読者側の閲覧範囲の絞り込みに使用する。
type Event struct {
	Type       EventType    `json:"type"`
	IssueID    string       `json:"issue_id"`
	ReporterID string       `json:"reporter_id"`
	ActorID    string       `json:"actor_id"`
	Title      string       `json:"title,omitempty"`
	From       model.Status `json:"from,omitempty"`
	To         model.Status `json:"to,omitempty"`
	CommentID  string       `json:"comment_id,omitempty"`
	At         time.Time    `json:"at"`
}

// Publisher はイベントの発行インターフェース。
// Publishは呼び出し元をブロックしてはならない。
type Publisher interface {
	Publish(event Event)
}

// Nop は何もしないPublisher。
type Nop struct{}

// Publish はイベントを破棄する。
func (Nop) Publish(Event) {}

// OrNop はpがnilの場合にNopを返す。
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// DefaultBuffer は購読者ごとのバッファサイズの既定値。
const DefaultBuffer = 64

// Hub はイベントを全購読者へファンアウトする。
// バッファが満杯の購読者へのイベントは破棄され、発行側は待たされない。
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewHub はHubを生成する。bufferが0以下の場合はDefaultBufferを使用する。
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscription は1購読者の受信チャネル。
type Subscription struct {
	id   uint64
	hub  *Hub
	ch   chan Event
	once sync.Once
}

// C はイベントの受信チャネルを返す。購読解除またはHubのClose後に閉じられる。
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close は購読を解除する。複数回呼び出してもよい。
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Subscribe は新しい購読を登録する。Close済みのHubでは閉じたチャネルを持つ購読を返す。
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{hub: h, ch: make(chan Event, h.buffer)}
	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	return sub
}

// Publish はイベントを全購読者へ配信する。
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			n := h.dropped.Add(1)
			slog.Warn("notification dropped for slow subscriber",
				slog.String("type", string(event.Type)),
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// Subscribers は現在の購読者数を返す。
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped はこれまでに破棄されたイベント数を返す。
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close は全購読を解除し、以降の発行を無視する。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
	}
	sub.once.Do(func() { close(sub.ch) })
}

// compile-time interface check
var _ Publisher = (*Hub)(nil)
