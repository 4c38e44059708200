package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/issuedesk/internal/auth"
	"github.com/hitoshi/issuedesk/internal/middleware"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/notify"
	"github.com/hitoshi/issuedesk/internal/policy"
)

const (
	eventsWriteTimeout = 10 * time.Second
	eventsPingInterval = 30 * time.Second
	eventsPongTimeout  = 60 * time.Second
)

// EventSubscriber は通知イベントの購読インターフェース。notify.Hubが満たす。
type EventSubscriber interface {
	Subscribe() *notify.Subscription
}

// EventsHandler は課題の変更通知をWebSocketで配信する。
type EventsHandler struct {
	hub          EventSubscriber
	resolver     middleware.SessionResolver
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	now          func() time.Time
}

// NewEventsHandler はEventsHandlerを生成する。
// resolverがnilでなければPingのたびにセッションを解決し直し、
// ログアウトやロール変更で失効したセッションの接続を閉じる。
// allowedOriginが空の場合は同一ホストからの接続のみ受け付ける。
func NewEventsHandler(hub EventSubscriber, resolver middleware.SessionResolver, allowedOrigin string) *EventsHandler {
	return &EventsHandler{
		hub:      hub,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, allowedOrigin)
			},
		},
		pingInterval: eventsPingInterval,
		now:          time.Now,
	}
}

// Stream は認証済みクライアントへイベントを送り続ける。
// ViewAllを持たないロールには自分が起票した課題のイベントだけを送る。
// セッションが期限切れまたは失効した時点で接続を閉じる。
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sub := h.hub.Subscribe()
	done := make(chan struct{})
	defer func() {
		sub.Close()
		conn.Close()
		<-done
	}()

	// 受信はPong処理と切断検知のためだけに行う
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(eventsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongTimeout))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Info("event stream opened", slog.String("principal_id", session.PrincipalID))
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			current, reason := h.revalidate(r.Context(), session)
			if current == nil {
				slog.Info("event stream closed", slog.String("principal_id", session.PrincipalID), slog.String("reason", reason))
				h.closeWith(conn, websocket.ClosePolicyViolation, reason)
				return
			}
			session = current
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
			if auth.Check(session, h.now()) != nil {
				h.closeWith(conn, websocket.ClosePolicyViolation, "session expired")
				return
			}
			if !eventVisible(session, ev) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Warn("event stream write failed",
					slog.String("principal_id", session.PrincipalID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// revalidate はセッションがまだ有効かを確かめ、有効なら最新のセッションを返す。
// 無効な場合はnilと切断理由を返す。解決中の一時的なエラーでは接続を維持する。
func (h *EventsHandler) revalidate(ctx context.Context, session *model.Session) (*model.Session, string) {
	if auth.Check(session, h.now()) != nil {
		return nil, "session expired"
	}
	if h.resolver == nil {
		return session, ""
	}
	resolved, err := h.resolver.ResolveSession(ctx, session.ID)
	if errors.Is(err, model.ErrUnauthenticated) {
		return nil, "session revoked"
	}
	if err != nil {
		slog.Warn("failed to revalidate event stream session",
			slog.String("principal_id", session.PrincipalID),
			slog.String("error", err.Error()),
		)
		return session, ""
	}
	if resolved == nil {
		return nil, "session revoked"
	}
	return resolved, ""
}

func (h *EventsHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventsWriteTimeout))
}

// eventVisible はセッションのプリンシパルがイベントを受け取れるかを返す。
func eventVisible(session *model.Session, ev notify.Event) bool {
	if policy.CanPerform(session.Role, policy.ViewAll, nil) {
		return true
	}
	return policy.CanPerform(session.Role, policy.ViewIssue, nil) && ev.ReporterID == session.PrincipalID
}

// originAllowed はOriginヘッダーが許可されたオリジンまたは同一ホストかを判定する。
// ブラウザ以外のクライアントはOriginを送らないため許可する。
func originAllowed(r *http.Request, allowedOrigin string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if allowedOrigin != "" && strings.EqualFold(origin, allowedOrigin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
