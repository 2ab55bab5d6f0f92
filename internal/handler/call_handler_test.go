package handler

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tuams/tuamail/internal/backend"
	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/identity"
	"github.com/tuams/tuamail/internal/metrics"
	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

// --- モック ---

type mockService struct {
	sendEmailFn   func(ctx context.Context, caller, receiver principal.Principal, subject, body string) (*model.Email, error)
	getMyInboxFn  func(ctx context.Context, caller principal.Principal) ([]model.Email, error)
	toggleStarFn  func(ctx context.Context, caller principal.Principal, key model.EmailKey, starred bool) (bool, error)
	setReminderFn func(ctx context.Context, caller principal.Principal, key model.EmailKey, remindAt uint64) (*model.Reminder, error)
	dismissFn     func(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error)
	getOrCreateFn func(ctx context.Context, caller principal.Principal) (*model.UserResult, error)
}

func (m *mockService) GetOrCreateUser(ctx context.Context, caller principal.Principal) (*model.UserResult, error) {
	if m.getOrCreateFn != nil {
		return m.getOrCreateFn(ctx, caller)
	}
	return &model.UserResult{User: model.User{Principal: caller, Role: model.DefaultRole}}, nil
}
func (m *mockService) SendEmail(ctx context.Context, caller, receiver principal.Principal, subject, body string) (*model.Email, error) {
	return m.sendEmailFn(ctx, caller, receiver, subject, body)
}
func (m *mockService) GetMyInbox(ctx context.Context, caller principal.Principal) ([]model.Email, error) {
	if m.getMyInboxFn != nil {
		return m.getMyInboxFn(ctx, caller)
	}
	return []model.Email{}, nil
}
func (m *mockService) GetMySentMail(ctx context.Context, caller principal.Principal) ([]model.Email, error) {
	return []model.Email{}, nil
}
func (m *mockService) MarkAsRead(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error) {
	return true, nil
}
func (m *mockService) ToggleStar(ctx context.Context, caller principal.Principal, key model.EmailKey, starred bool) (bool, error) {
	return m.toggleStarFn(ctx, caller, key, starred)
}
func (m *mockService) GetStarredEmails(ctx context.Context, caller principal.Principal) ([]model.Email, error) {
	return []model.Email{}, nil
}
func (m *mockService) IsStarred(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error) {
	return false, nil
}
func (m *mockService) GetMyStarredKeys(ctx context.Context, caller principal.Principal) ([]model.EmailKey, error) {
	return []model.EmailKey{}, nil
}
func (m *mockService) SendChatMessage(ctx context.Context, caller, receiver principal.Principal, content string) (*model.ChatMessage, error) {
	return &model.ChatMessage{Sender: caller, Receiver: receiver, Content: content}, nil
}
func (m *mockService) GetChatMessages(ctx context.Context, caller, other principal.Principal) ([]model.ChatMessage, error) {
	return []model.ChatMessage{}, nil
}
func (m *mockService) MarkChatRead(ctx context.Context, caller, other principal.Principal) (bool, error) {
	return true, nil
}
func (m *mockService) GetChatList(ctx context.Context, caller principal.Principal) ([]model.ChatPreview, error) {
	return []model.ChatPreview{}, nil
}
func (m *mockService) SetReminder(ctx context.Context, caller principal.Principal, key model.EmailKey, remindAt uint64) (*model.Reminder, error) {
	return m.setReminderFn(ctx, caller, key, remindAt)
}
func (m *mockService) GetMyReminders(ctx context.Context, caller principal.Principal) ([]model.Reminder, error) {
	return []model.Reminder{}, nil
}
func (m *mockService) GetDueReminders(ctx context.Context, caller principal.Principal) ([]model.Reminder, error) {
	return []model.Reminder{}, nil
}
func (m *mockService) DismissReminder(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error) {
	return m.dismissFn(ctx, caller, key)
}
func (m *mockService) CancelReminder(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error) {
	return false, nil
}

// --- ヘルパー ---

func newIdentity(t *testing.T) identity.Identity {
	t.Helper()
	_, root, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("鍵生成に失敗: %v", err)
	}
	pub, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("鍵生成に失敗: %v", err)
	}
	d, err := identity.SignDelegation(root, pub, uint64(time.Now().Add(time.Hour).UnixNano()))
	if err != nil {
		t.Fatalf("委任の発行に失敗: %v", err)
	}
	id, err := identity.NewDelegatedIdentity(key, d)
	if err != nil {
		t.Fatalf("アイデンティティの生成に失敗: %v", err)
	}
	return id
}

// newClient はルーター全体をhttptestで起動し、署名付きクライアントを返す。
func newClient(t *testing.T, svc Service, m metrics.MetricsCollector) (*gateway.Client, identity.Identity) {
	t.Helper()
	srv := httptest.NewServer(NewRouter(&RouterDeps{Service: svc, Metrics: m}))
	t.Cleanup(srv.Close)

	id := newIdentity(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return gateway.NewClient(gateway.Config{BaseURL: srv.URL}, id, nil, logger), id
}

func p(b byte) principal.Principal {
	pr, _ := principal.FromBytes([]byte{b, 9})
	return pr
}

// callDirect は署名検証を経由せずにCallハンドラーを呼び出す。
func callDirect(t *testing.T, svc Service, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/api/v1/call/{method}", NewCallHandler(svc, nil).Call)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/call/"+method, strings.NewReader(body))
	req = req.WithContext(middleware.ContextWithPrincipal(req.Context(), p(1)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) gateway.Envelope {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var env gateway.Envelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return env
}

// --- テスト ---

func TestDispatchTable_CoversEveryMethod(t *testing.T) {
	h := NewCallHandler(&mockService{}, nil)
	if h.Methods() != 18 {
		t.Errorf("Methods = %d, want 18", h.Methods())
	}
	for _, m := range []string{
		gateway.MethodGetOrCreateUser, gateway.MethodSendEmail, gateway.MethodGetMyInbox,
		gateway.MethodGetMySentMail, gateway.MethodMarkAsRead, gateway.MethodToggleStar,
		gateway.MethodGetStarredEmails, gateway.MethodIsStarred, gateway.MethodGetMyStarredKeys,
		gateway.MethodSendChatMessage, gateway.MethodGetChatMessages, gateway.MethodMarkChatRead,
		gateway.MethodGetChatList, gateway.MethodSetReminder, gateway.MethodGetMyReminders,
		gateway.MethodGetDueReminders, gateway.MethodDismissReminder, gateway.MethodCancelReminder,
	} {
		if _, ok := h.methods[m]; !ok {
			t.Errorf("%s が登録されていない", m)
		}
	}
}

func TestCall_SendEmailEndToEnd(t *testing.T) {
	var gotCaller, gotReceiver principal.Principal
	svc := &mockService{
		sendEmailFn: func(ctx context.Context, caller, receiver principal.Principal, subject, body string) (*model.Email, error) {
			gotCaller, gotReceiver = caller, receiver
			return &model.Email{Sender: caller, Receiver: receiver, Subject: subject, Body: body, Timestamp: 1_700_000_000_000_000_123}, nil
		},
	}
	client, id := newClient(t, svc, nil)

	email, err := client.SendEmail(context.Background(), p(2), "Hello", "World")
	if err != nil {
		t.Fatalf("SendEmail がエラーを返した: %v", err)
	}
	if !gotCaller.Equal(id.Principal()) {
		t.Errorf("caller = %s, want %s", gotCaller, id.Principal())
	}
	if !gotReceiver.Equal(p(2)) {
		t.Errorf("receiver = %s", gotReceiver)
	}
	if email.Timestamp != 1_700_000_000_000_000_123 {
		t.Errorf("nat64は精度を失わずに往復するべき: %d", email.Timestamp)
	}
}

func TestCall_RuleErrorBecomesRemoteError(t *testing.T) {
	svc := &mockService{
		setReminderFn: func(ctx context.Context, caller principal.Principal, key model.EmailKey, remindAt uint64) (*model.Reminder, error) {
			return nil, &backend.RuleError{Message: "Reminder time must be in the future"}
		},
	}
	client, _ := newClient(t, svc, nil)

	_, err := client.SetReminder(context.Background(), p(2), 5, 6)
	var remote *gateway.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if remote.Error() != "Reminder time must be in the future" {
		t.Errorf("message = %q", remote.Error())
	}
}

func TestCall_InternalErrorIs500(t *testing.T) {
	svc := &mockService{
		getMyInboxFn: func(ctx context.Context, caller principal.Principal) ([]model.Email, error) {
			return nil, errors.New("pq: connection refused")
		},
	}
	reg := prometheus.NewRegistry()
	client, _ := newClient(t, svc, metrics.NewCollector(reg))

	_, err := client.GetMyInbox(context.Background())
	var statusErr *gateway.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || statusErr.Code != model.ErrCodeInternal {
		t.Errorf("statusErr = %+v", statusErr)
	}
	if strings.Contains(statusErr.Message, "pq") {
		t.Error("内部エラーの詳細はクライアントに返さないべき")
	}

	count, err := testutil.GatherAndCount(reg, "tuamail_backend_calls_total")
	if err != nil || count != 1 {
		t.Errorf("backend calls series = %d, %v", count, err)
	}
}

func TestCall_BoolResultAndMissingReminder(t *testing.T) {
	svc := &mockService{
		dismissFn: func(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error) {
			return false, nil
		},
	}
	client, _ := newClient(t, svc, nil)

	ok, err := client.DismissReminder(context.Background(), p(2), 1)
	if err != nil {
		t.Fatalf("存在しないリマインダーの消去はエラーにならないべき: %v", err)
	}
	if ok {
		t.Error("ok = true, want false")
	}
}

func TestCall_ToggleStarArgs(t *testing.T) {
	var got model.EmailKey
	var gotStarred bool
	svc := &mockService{
		toggleStarFn: func(ctx context.Context, caller principal.Principal, key model.EmailKey, starred bool) (bool, error) {
			got, gotStarred = key, starred
			return starred, nil
		},
	}

	body := `{"sender":"` + p(3).Text() + `","timestamp":"42","starred":true}`
	env := decodeEnvelope(t, callDirect(t, svc, gateway.MethodToggleStar, body))

	if string(env.Ok) != "true" {
		t.Errorf("Ok = %s", env.Ok)
	}
	if got.Sender != p(3) || got.Timestamp != 42 || !gotStarred {
		t.Errorf("key = %+v, starred = %v", got, gotStarred)
	}
}

func TestCall_InvalidPrincipalArgument(t *testing.T) {
	env := decodeEnvelope(t, callDirect(t, &mockService{}, gateway.MethodSendChatMessage, `{"receiver":"not-a-principal","content":"hi"}`))

	if env.Err == nil {
		t.Fatal("Errエンベロープであるべき")
	}
	if !strings.HasPrefix(*env.Err, "Invalid principal") {
		t.Errorf("Err = %q", *env.Err)
	}
}

func TestCall_MalformedArguments(t *testing.T) {
	env := decodeEnvelope(t, callDirect(t, &mockService{}, gateway.MethodMarkAsRead, `{"timestamp": 12`))

	if env.Err == nil || !strings.HasPrefix(*env.Err, "Invalid arguments") {
		t.Errorf("Err = %v", env.Err)
	}
}

func TestCall_EmptyBodyForNoArgMethod(t *testing.T) {
	env := decodeEnvelope(t, callDirect(t, &mockService{}, gateway.MethodGetChatList, ""))
	if string(env.Ok) != "[]" {
		t.Errorf("Ok = %s", env.Ok)
	}
}

func TestCall_UnknownMethod(t *testing.T) {
	w := callDirect(t, &mockService{}, "drop_tables", "{}")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body middleware.ErrorResponseBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Code != model.ErrCodeUnknownMethod {
		t.Errorf("code = %q", body.Code)
	}
}
