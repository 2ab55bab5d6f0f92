package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/gateway/gatewaytest"
	"github.com/tuams/tuamail/internal/mailbox"
	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/mutation"
	"github.com/tuams/tuamail/internal/notify"
	"github.com/tuams/tuamail/internal/principal"
)

// --- モック ---

type mockSession struct {
	mu        sync.Mutex
	active    bool
	closed    int
	logoutErr error
	loggedOut bool
}

func (m *mockSession) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *mockSession) CloseConversation() {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
}

func (m *mockSession) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logoutErr != nil {
		return m.logoutErr
	}
	m.loggedOut = true
	m.active = false
	return nil
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.err
}

// --- ヘルパー ---

var testNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func p(b byte) principal.Principal {
	pr, _ := principal.FromBytes([]byte{b, 7})
	return pr
}

type fixture struct {
	backend *gatewaytest.Backend
	cache   *mailbox.Cache
	hub     *notify.Hub
	session *mockSession
	deps    *Deps
	router  http.Handler
}

func newFixture(t *testing.T, backend *gatewaytest.Backend) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := notify.NewHub()
	cache := mailbox.NewCache(backend, hub, logger)
	sess := &mockSession{active: true}

	deps := &Deps{
		Login:     model.LoginContext{Principal: p(1).Text(), Role: model.DefaultRole},
		Session:   sess,
		Mailbox:   cache,
		Mutations: mutation.NewCoordinator(backend, cache, hub, nil, nil, logger),
		Events:    hub,
		Logger:    logger,
		Now:       func() time.Time { return testNow },
	}
	return &fixture{
		backend: backend,
		cache:   cache,
		hub:     hub,
		session: sess,
		deps:    deps,
		router:  NewRouter(deps),
	}
}

// testCSRFToken はプレゼンテーション層が送るダブルサブミットトークン。
const testCSRFToken = "test-csrf-token"

// do はプレゼンテーション層と同じくCSRFトークンとJSONのContent-Typeを付けてリクエストする。
func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := newRequest(method, path, body)
	req.AddCookie(&http.Cookie{Name: middleware.CSRFCookieName, Value: testCSRFToken})
	req.Header.Set(middleware.CSRFHeaderName, testCSRFToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return f.serve(req)
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func newRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return httptest.NewRequest(method, path, r)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func keyJSON(sender principal.Principal, ts string) string {
	return `{"sender":"` + sender.Text() + `","timestamp":"` + ts + `"}`
}

func inboxBackend() *gatewaytest.Backend {
	return &gatewaytest.Backend{
		GetMyInboxFn: func(ctx context.Context) ([]model.Email, error) {
			return []model.Email{
				{Sender: p(2), Receiver: p(1), Subject: "old", Timestamp: 100, Read: true},
				{Sender: p(3), Receiver: p(1), Subject: "new", Timestamp: 200},
			}, nil
		},
		GetMyStarredKeysFn: func(ctx context.Context) ([]model.EmailKey, error) {
			return []model.EmailKey{{Sender: p(2), Timestamp: 100}}, nil
		},
	}
}

// --- テスト ---

func TestHealth(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})
	if w := f.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	f.deps.Store = &mockPinger{err: errors.New("database is locked")}
	if w := f.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRequireSession_ClosedSessionIs401(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})
	f.session.active = false

	w := f.do(t, http.MethodGet, "/api/state", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if decodeError(t, w).Code != model.ErrCodeNotAuthenticated {
		t.Error("NOT_AUTHENTICATED を返すべき")
	}
}

func TestState_UnreadCounts(t *testing.T) {
	f := newFixture(t, inboxBackend())
	if err := f.cache.RefreshMail(context.Background()); err != nil {
		t.Fatalf("RefreshMail がエラーを返した: %v", err)
	}

	w := f.do(t, http.MethodGet, "/api/state", "")
	var got stateResponse
	json.NewDecoder(w.Body).Decode(&got)

	if got.Principal != p(1).Text() || got.UnreadCount != 1 {
		t.Errorf("state = %+v", got)
	}

	w = f.do(t, http.MethodGet, "/api/badges/mail", "")
	if !strings.Contains(w.Body.String(), `"count":1`) {
		t.Errorf("badge = %s", w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/api/badges/settings", ""); w.Code != http.StatusBadRequest {
		t.Errorf("未定義のセクションは400であるべき, got %d", w.Code)
	}
}

func TestFolder_DecoratesStarAndSortsDescending(t *testing.T) {
	f := newFixture(t, inboxBackend())
	f.cache.RefreshMail(context.Background())

	w := f.do(t, http.MethodGet, "/api/folders/inbox", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got []emailResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Subject != "new" {
		t.Fatalf("新しい順であるべき: %+v", got)
	}
	if got[0].Starred || !got[1].Starred {
		t.Errorf("スター状態が一覧に反映されていない: %+v", got)
	}

	if w := f.do(t, http.MethodGet, "/api/folders/spam", ""); w.Code != http.StatusBadRequest {
		t.Errorf("未定義のフォルダーは400であるべき, got %d", w.Code)
	}
}

func TestCompose_InvalidRecipientDoesNotCallBackend(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	w := f.do(t, http.MethodPost, "/api/compose", `{"to":"bogus","subject":"s","body":"b"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if msg := decodeError(t, w).Message; msg != "Invalid Principal ID." {
		t.Errorf("message = %q", msg)
	}
	if f.backend.CallCount(gateway.MethodSendEmail) != 0 {
		t.Error("不正な宛先ではsend_emailを呼び出さないべき")
	}
}

func TestCompose_RemoteErrorVerbatim(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{
		SendEmailFn: func(ctx context.Context, receiver principal.Principal, subject, body string) (*model.Email, error) {
			return nil, &gateway.RemoteError{Method: gateway.MethodSendEmail, Message: "Subject and body cannot both be empty"}
		},
	})

	w := f.do(t, http.MethodPost, "/api/compose", `{"to":"`+p(2).Text()+`"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if msg := decodeError(t, w).Message; msg != "Subject and body cannot both be empty" {
		t.Errorf("message = %q", msg)
	}
}

func TestCompose_Success(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	w := f.do(t, http.MethodPost, "/api/compose", `{"to":"`+p(2).Text()+`","subject":"hi","body":"there"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if f.backend.CallCount(gateway.MethodGetMySentMail) != 1 {
		t.Error("送信成功後は送信済み一覧を再取得するべき")
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, inboxBackend())
	f.cache.RefreshMail(context.Background())

	if w := f.do(t, http.MethodPost, "/api/emails/read", keyJSON(p(9), "1")); w.Code != http.StatusNotFound {
		t.Errorf("キャッシュに無いメールは404であるべき, got %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/emails/read", keyJSON(p(3), "200"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if f.cache.UnreadCount() != 0 {
		t.Error("既読フラグがローカルで更新されるべき")
	}
	if f.backend.CallCount(gateway.MethodMarkAsRead) != 1 {
		t.Error("mark_as_readは1回だけ呼び出されるべき")
	}
}

func TestMarkRead_InvalidSender(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	w := f.do(t, http.MethodPost, "/api/emails/read", `{"sender":"nope","timestamp":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if decodeError(t, w).Code != model.ErrCodeInvalidPrincipal {
		t.Error("INVALID_PRINCIPAL を返すべき")
	}
}

func TestToggleStar_ReturnsNewState(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	w := f.do(t, http.MethodPost, "/api/emails/star", keyJSON(p(2), "5"))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"starred":true`) {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestChats(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	if w := f.do(t, http.MethodGet, "/api/chats/active", ""); w.Code != http.StatusNotFound {
		t.Errorf("会話が無い場合は404であるべき, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/chats/active/messages", `{"content":"hi"}`); w.Code != http.StatusConflict {
		t.Errorf("会話が無い状態での送信は409であるべき, got %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/chats", `{"principal":"not valid"}`)
	if w.Code != http.StatusBadRequest || decodeError(t, w).Message != "Invalid Principal ID" {
		t.Errorf("不正なプリンシパルは400であるべき, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/chats", `{"principal":"`+p(4).Text()+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/chats/active", "")
	var conv conversationResponse
	json.NewDecoder(w.Body).Decode(&conv)
	if conv.Partner != p(4).Text() || conv.Messages == nil {
		t.Errorf("conversation = %+v", conv)
	}

	if w := f.do(t, http.MethodPost, "/api/chats/active/messages", `{"content":"hello"}`); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/api/chats/active", ""); w.Code != http.StatusNoContent || f.session.closed != 1 {
		t.Errorf("会話を閉じるべき: status = %d", w.Code)
	}
}

func TestSetReminder_QuickOption(t *testing.T) {
	var gotAt uint64
	f := newFixture(t, &gatewaytest.Backend{
		SetReminderFn: func(ctx context.Context, sender principal.Principal, ts, remindAt uint64) (*model.Reminder, error) {
			gotAt = remindAt
			return &model.Reminder{EmailSender: sender, EmailTimestamp: ts, RemindAt: remindAt}, nil
		},
	})

	body := `{"sender":"` + p(2).Text() + `","timestamp":"7","quick":"In 30 min"}`
	w := f.do(t, http.MethodPost, "/api/reminders", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if want := model.NanosFromTime(testNow.Add(30 * time.Minute)); gotAt != want {
		t.Errorf("remind_at = %d, want %d", gotAt, want)
	}
	if f.backend.CallCount(gateway.MethodGetMyReminders) != 1 {
		t.Error("設定後にリマインダー一覧を再取得するべき")
	}
}

func TestSetReminder_InvalidTime(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	for _, body := range []string{
		`{"sender":"` + p(2).Text() + `","timestamp":"7"}`,
		`{"sender":"` + p(2).Text() + `","timestamp":"7","quick":"Next year"}`,
		`{"sender":"` + p(2).Text() + `","timestamp":"7","at":"tomorrow"}`,
	} {
		w := f.do(t, http.MethodPost, "/api/reminders", body)
		if w.Code != http.StatusBadRequest || decodeError(t, w).Code != model.ErrCodeInvalidTimestamp {
			t.Errorf("%s: status = %d", body, w.Code)
		}
	}
	if f.backend.CallCount(gateway.MethodSetReminder) != 0 {
		t.Error("日時が不正な場合はset_reminderを呼び出さないべき")
	}
}

func TestReminderOptions(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	w := f.do(t, http.MethodGet, "/api/reminders/options", "")
	var opts []struct {
		Label string    `json:"label"`
		At    time.Time `json:"at"`
	}
	json.NewDecoder(w.Body).Decode(&opts)
	if len(opts) != 4 || opts[3].Label != "Tomorrow 9 AM" {
		t.Fatalf("options = %+v", opts)
	}
	if !opts[3].At.Equal(time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("Tomorrow 9 AM = %v", opts[3].At)
	}
}

func TestCancelReminder_FalseIsNotFailure(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{
		CancelReminderFn: func(ctx context.Context, sender principal.Principal, ts uint64) (bool, error) {
			return false, nil
		},
	})

	w := f.do(t, http.MethodPost, "/api/reminders/cancel", keyJSON(p(2), "7"))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok":false`) {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if f.backend.CallCount(gateway.MethodGetMyReminders) != 1 {
		t.Error("結果に関係なく一覧を再取得するべき")
	}
}

func TestInvokeAction(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	if w := f.do(t, http.MethodPost, "/api/notifications/missing/action", ""); w.Code != http.StatusNotFound {
		t.Errorf("未知の通知は404であるべき, got %d", w.Code)
	}

	ran := 0
	n := notify.New(notify.LevelInfo, "Reminder", "")
	n.Action = &notify.Action{Label: "Dismiss", Run: func(ctx context.Context) error {
		ran++
		return nil
	}}
	f.hub.Notify(context.Background(), n)

	if w := f.do(t, http.MethodPost, "/api/notifications/"+n.ID+"/action", ""); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if ran != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})
	loggedOut := make(chan struct{}, 1)
	f.deps.OnLogout = func() { loggedOut <- struct{}{} }

	if w := f.do(t, http.MethodPost, "/api/logout", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	select {
	case <-loggedOut:
	default:
		t.Error("OnLogout が呼ばれるべき")
	}
	if w := f.do(t, http.MethodGet, "/api/state", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("ログアウト後は401であるべき, got %d", w.Code)
	}
}

func TestEvents_StreamsChanges(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read stream: %v", err)
		}
		return strings.TrimSpace(line)
	}

	if line := readLine(); line != "event: ready" {
		t.Fatalf("first line = %q", line)
	}
	readLine() // data: {}
	readLine() // 空行

	f.hub.Publish(mailbox.TopicReminders)

	line := readLine()
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"topic":"reminders"`) {
		t.Errorf("event = %q", line)
	}
}

func TestCSRF_CrossOriginSimplePostIsRejected(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	// 外部サイトのフォームやfetchから送れる「単純リクエスト」
	req := newRequest(http.MethodPost, "/api/compose", `{"to":"`+p(2).Text()+`","subject":"Hi","body":"Hello"}`)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Origin", "https://evil.example")

	w := f.serve(req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if decodeError(t, w).Code != model.ErrCodeCSRFFailed {
		t.Error("CSRF_FAILED を返すべき")
	}
	if n := f.backend.CallCount(gateway.MethodSendEmail); n != 0 {
		t.Errorf("send_email calls = %d, want 0", n)
	}
}

func TestCSRF_StateChangingRoutesRequireToken(t *testing.T) {
	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/compose"},
		{http.MethodPost, "/api/emails/star"},
		{http.MethodPost, "/api/chats"},
		{http.MethodDelete, "/api/chats/active"},
		{http.MethodPost, "/api/chats/active/messages"},
		{http.MethodPost, "/api/reminders"},
		{http.MethodPost, "/api/reminders/cancel"},
		{http.MethodPost, "/api/reminders/dismiss"},
		{http.MethodPost, "/api/notifications/x/action"},
		{http.MethodPost, "/api/logout"},
	}

	f := newFixture(t, &gatewaytest.Backend{})
	for _, rt := range routes {
		req := newRequest(rt.method, rt.path, "")
		if w := f.serve(req); w.Code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d, want 403", rt.method, rt.path, w.Code)
		}
	}
	if !f.session.Active() {
		t.Error("トークンなしのログアウトでセッションが終了してはいけない")
	}
}

func TestCSRF_ForeignOriginWithTokenIsRejected(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	req := newRequest(http.MethodPost, "/api/logout", "")
	req.AddCookie(&http.Cookie{Name: middleware.CSRFCookieName, Value: testCSRFToken})
	req.Header.Set(middleware.CSRFHeaderName, testCSRFToken)
	req.Header.Set("Origin", "https://evil.example")

	if w := f.serve(req); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestCompose_RequiresJSONContentType(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})

	req := newRequest(http.MethodPost, "/api/compose", `{"to":"`+p(2).Text()+`","subject":"Hi","body":"Hello"}`)
	req.AddCookie(&http.Cookie{Name: middleware.CSRFCookieName, Value: testCSRFToken})
	req.Header.Set(middleware.CSRFHeaderName, testCSRFToken)
	req.Header.Set("Content-Type", "text/plain")

	if w := f.serve(req); w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", w.Code)
	}
	if n := f.backend.CallCount(gateway.MethodSendEmail); n != 0 {
		t.Errorf("send_email calls = %d, want 0", n)
	}
}

func TestCSRFToken_IssuedWithoutSession(t *testing.T) {
	f := newFixture(t, &gatewaytest.Backend{})
	f.session.active = false

	w := f.serve(newRequest(http.MethodGet, "/api/csrf-token", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["token"] == "" {
		t.Errorf("トークンが返されるべき: %v", err)
	}
}
