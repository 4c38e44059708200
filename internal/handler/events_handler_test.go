package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/issuedesk/internal/auth"
	"github.com/hitoshi/issuedesk/internal/middleware"
	"github.com/hitoshi/issuedesk/internal/model"
	"github.com/hitoshi/issuedesk/internal/notify"
	"github.com/hitoshi/issuedesk/internal/repository/memory"
)

// dialEvents はBearerトークンで/api/eventsに接続し、購読が登録されるまで待つ。
func dialEvents(t *testing.T, env *testEnv, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	before := env.hub.Subscribers()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers() <= before {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestEvents_ReporterSeesOnlyOwnIssues(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	reporter := env.login(t, "reporter@example.com")
	other := env.login(t, "other@example.com")
	conn := dialEvents(t, env, srv, reporter)

	env.createIssue(t, other, "Not mine")
	mine := env.createIssue(t, reporter, "Mine")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != notify.EventIssueCreated || ev.IssueID != mine.ID || ev.ReporterID != "reporter-1" {
		t.Errorf("event = %+v, want issue_created for %s", ev, mine.ID)
	}
}

func TestEvents_MaintainerSeesAll(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	maintainer := env.login(t, "maintainer@example.com")
	reporter := env.login(t, "reporter@example.com")
	conn := dialEvents(t, env, srv, maintainer)

	created := env.createIssue(t, reporter, "Crash")
	w := env.do(t, http.MethodPut, "/api/issues/"+created.ID+"/status", maintainer, map[string]string{"status": "IN_PROGRESS"})
	if w.Code != http.StatusOK {
		t.Fatalf("change status = %d", w.Code)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second notify.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if first.Type != notify.EventIssueCreated {
		t.Errorf("first.Type = %q, want %q", first.Type, notify.EventIssueCreated)
	}
	if second.Type != notify.EventStatusChanged || second.From != model.StatusOpen || second.To != model.StatusInProgress {
		t.Errorf("second = %+v", second)
	}
}

func TestEvents_HubCloseEndsStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn := dialEvents(t, env, srv, env.login(t, "maintainer@example.com"))
	env.hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("err = %v, want close 1001", err)
	}
}

func TestEvents_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.login(t, "maintainer@example.com"))
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestEventVisible(t *testing.T) {
	ev := notify.Event{ReporterID: "reporter-1"}
	tests := []struct {
		name    string
		session *model.Session
		want    bool
	}{
		{"admin sees everything", &model.Session{PrincipalID: "admin-1", Role: model.RoleAdmin}, true},
		{"maintainer sees everything", &model.Session{PrincipalID: "m-1", Role: model.RoleMaintainer}, true},
		{"reporter sees own", &model.Session{PrincipalID: "reporter-1", Role: model.RoleReporter}, true},
		{"reporter does not see others", &model.Session{PrincipalID: "reporter-2", Role: model.RoleReporter}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eventVisible(tt.session, ev); got != tt.want {
				t.Errorf("eventVisible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed string
		want    bool
	}{
		{"no origin", "", "", true},
		{"configured origin", "https://app.example.com", "https://app.example.com", true},
		{"same host", "http://api.example.com", "", true},
		{"foreign", "https://evil.example.com", "https://app.example.com", false},
		{"malformed", "://", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://api.example.com/api/events", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originAllowed(r, tt.allowed); got != tt.want {
				t.Errorf("originAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

// mockSessionResolver はテスト用のSessionResolver実装。
type mockSessionResolver struct {
	calls     atomic.Int32
	resolveFn func(ctx context.Context, token string) (*model.Session, error)
}

func (m *mockSessionResolver) ResolveSession(ctx context.Context, token string) (*model.Session, error) {
	m.calls.Add(1)
	return m.resolveFn(ctx, token)
}

// serveStream はセッションミドルウェアの代わりに固定のセッションを注入してStreamを公開する。
func serveStream(t *testing.T, h *EventsHandler, session *model.Session) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r.WithContext(middleware.ContextWithSession(r.Context(), session)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(t *testing.T, hub *notify.Hub, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

// assertPolicyClose はサーバーが1008で接続を閉じることを確認する。
func assertPolicyClose(t *testing.T, conn *websocket.Conn, reason string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
			t.Fatalf("err = %v, want close 1008", err)
		}
		if ce.Text != reason {
			t.Errorf("close reason = %q, want %q", ce.Text, reason)
		}
		return
	}
}

func TestEvents_ExpiredSessionClosedOnPingWithoutEvents(t *testing.T) {
	hub := notify.NewHub(notify.DefaultBuffer)
	t.Cleanup(hub.Close)
	h := NewEventsHandler(hub, nil, "")
	h.pingInterval = 10 * time.Millisecond
	h.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	session := &model.Session{ID: "tok", PrincipalID: "m-1", Role: model.RoleMaintainer, ExpiresAt: time.Now().Add(time.Hour)}
	conn := dialStream(t, hub, serveStream(t, h, session), nil)

	assertPolicyClose(t, conn, "session expired")
}

func TestEvents_RevokedSessionClosedOnPing(t *testing.T) {
	hub := notify.NewHub(notify.DefaultBuffer)
	t.Cleanup(hub.Close)
	resolver := &mockSessionResolver{
		resolveFn: func(context.Context, string) (*model.Session, error) {
			return nil, model.NewUnauthenticatedError()
		},
	}
	h := NewEventsHandler(hub, resolver, "")
	h.pingInterval = 10 * time.Millisecond

	session := &model.Session{ID: "tok", PrincipalID: "m-1", Role: model.RoleMaintainer, ExpiresAt: time.Now().Add(time.Hour)}
	conn := dialStream(t, hub, serveStream(t, h, session), nil)

	assertPolicyClose(t, conn, "session revoked")
	if resolver.calls.Load() == 0 {
		t.Error("resolver was not consulted")
	}
}

func TestEvents_TransientResolverErrorKeepsStream(t *testing.T) {
	hub := notify.NewHub(notify.DefaultBuffer)
	t.Cleanup(hub.Close)
	resolver := &mockSessionResolver{
		resolveFn: func(context.Context, string) (*model.Session, error) {
			return nil, errors.New("connection refused")
		},
	}
	h := NewEventsHandler(hub, resolver, "")
	h.pingInterval = 10 * time.Millisecond

	session := &model.Session{ID: "tok", PrincipalID: "m-1", Role: model.RoleMaintainer, ExpiresAt: time.Now().Add(time.Hour)}
	conn := dialStream(t, hub, serveStream(t, h, session), nil)

	deadline := time.Now().Add(2 * time.Second)
	for resolver.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("resolver was not called on ping")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(notify.Event{Type: notify.EventIssueCreated, IssueID: "i-1", ReporterID: "r-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.IssueID != "i-1" {
		t.Errorf("IssueID = %q, want i-1", ev.IssueID)
	}
}

// TestEvents_StrictRoleChangeClosesStream はstrictモードでロールが変わると接続中のストリームも閉じることを検証する。
func TestEvents_StrictRoleChangeClosesStream(t *testing.T) {
	store := memory.New()
	hash, err := auth.HashPassword(testPassword, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := store.Principals().Create(context.Background(), &model.Principal{
		ID: "maintainer-1", Email: "maintainer@example.com", Name: "m", Role: model.RoleMaintainer, PasswordHash: hash,
	}); err != nil {
		t.Fatalf("seed principal: %v", err)
	}
	authSvc := auth.NewService(store.Principals(), store.Sessions(), nil, auth.ServiceConfig{
		SessionMaxAge: 3600,
		BcryptCost:    bcrypt.MinCost,
		RoleMode:      auth.RoleModeStrict,
	})
	session, err := authSvc.Authenticate(context.Background(), "maintainer@example.com", testPassword)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	hub := notify.NewHub(notify.DefaultBuffer)
	t.Cleanup(hub.Close)
	h := NewEventsHandler(hub, authSvc, "")
	h.pingInterval = 10 * time.Millisecond
	srv := httptest.NewServer(middleware.NewSessionMiddleware(authSvc)(http.HandlerFunc(h.Stream)))
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.ID)
	conn := dialStream(t, hub, srv, header)

	if err := store.Principals().UpdateRole(context.Background(), "maintainer-1", model.RoleReporter, time.Now()); err != nil {
		t.Fatalf("UpdateRole() error = %v", err)
	}
	assertPolicyClose(t, conn, "session revoked")
}
