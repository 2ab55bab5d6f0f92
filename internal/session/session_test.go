package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/gateway/gatewaytest"
	"github.com/tuams/tuamail/internal/identity"
	"github.com/tuams/tuamail/internal/localstore"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/notify"
	"github.com/tuams/tuamail/internal/principal"
)

// mockAuth はテスト用のAuthenticatorモック。
type mockAuth struct {
	restoreFn func(ctx context.Context) (identity.Identity, error)
	loginFn   func(ctx context.Context) (identity.Identity, error)
	logoutFn  func(ctx context.Context) error

	mu         sync.Mutex
	loginCalls int
}

func (m *mockAuth) Restore(ctx context.Context) (identity.Identity, error) {
	if m.restoreFn == nil {
		return nil, nil
	}
	return m.restoreFn(ctx)
}

func (m *mockAuth) Login(ctx context.Context) (identity.Identity, error) {
	m.mu.Lock()
	m.loginCalls++
	m.mu.Unlock()
	return m.loginFn(ctx)
}

func (m *mockAuth) Logout(ctx context.Context) error {
	if m.logoutFn == nil {
		return nil
	}
	return m.logoutFn(ctx)
}

func (m *mockAuth) logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginCalls
}

// memContextStore はテスト用のLoginContextStore。
type memContextStore struct {
	mu      sync.Mutex
	saved   *model.LoginContext
	cleared int
}

func (s *memContextStore) SaveLoginContext(_ context.Context, lc model.LoginContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = &lc
	return nil
}

func (s *memContextStore) ClearLoginContext(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = nil
	s.cleared++
	return nil
}

type nopSink struct{}

func (nopSink) Notify(context.Context, notify.Notification) {}

func newTestIdentity(t *testing.T) identity.Identity {
	t.Helper()
	_, root, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("鍵生成に失敗: %v", err)
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("鍵生成に失敗: %v", err)
	}
	exp := uint64(time.Now().Add(time.Hour).UnixNano())
	d, err := identity.SignDelegation(root, pub, exp)
	if err != nil {
		t.Fatalf("SignDelegation がエラーを返した: %v", err)
	}
	id, err := identity.NewDelegatedIdentity(priv, d)
	if err != nil {
		t.Fatalf("NewDelegatedIdentity がエラーを返した: %v", err)
	}
	return id
}

func testLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil))
}

func newTestBootstrapper(auth Authenticator, store LoginContextStore, backend *gatewaytest.Backend, intervals Intervals) *Bootstrapper {
	return NewBootstrapper(Options{
		Auth:       auth,
		Store:      store,
		NewBackend: func(identity.Identity) gateway.Backend { return backend },
		Sink:       nopSink{},
		Intervals:  intervals,
		Logger:     testLogger(),
	})
}

func TestBootstrap_LogsInWhenNothingStored(t *testing.T) {
	id := newTestIdentity(t)
	auth := &mockAuth{loginFn: func(context.Context) (identity.Identity, error) { return id, nil }}
	store := &memContextStore{}
	backend := &gatewaytest.Backend{
		GetOrCreateUserFn: func(context.Context) (*model.UserResult, error) {
			return &model.UserResult{
				User:      model.User{Principal: id.Principal(), Role: model.DefaultRole},
				IsNewUser: true,
			}, nil
		},
	}

	s, err := newTestBootstrapper(auth, store, backend, Intervals{}).Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap がエラーを返した: %v", err)
	}

	if auth.logins() != 1 {
		t.Errorf("login calls = %d, want 1", auth.logins())
	}
	if !s.Principal.Equal(id.Principal()) || !s.IsNewUser || s.User.Role != "user" {
		t.Errorf("session = %+v", s)
	}
	want := model.LoginContext{Principal: id.Principal().Text(), Role: "user", IsNewUser: true}
	if store.saved == nil || *store.saved != want {
		t.Errorf("login context = %+v, want %+v", store.saved, want)
	}
}

func TestBootstrap_UsesRestoredIdentity(t *testing.T) {
	id := newTestIdentity(t)
	auth := &mockAuth{
		restoreFn: func(context.Context) (identity.Identity, error) { return id, nil },
		loginFn: func(context.Context) (identity.Identity, error) {
			return nil, errors.New("should not be called")
		},
	}

	s, err := newTestBootstrapper(auth, &memContextStore{}, &gatewaytest.Backend{}, Intervals{}).Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap がエラーを返した: %v", err)
	}
	if auth.logins() != 0 {
		t.Error("復元できた場合はログインしないべき")
	}
	if !s.Principal.Equal(id.Principal()) {
		t.Errorf("principal = %s", s.Principal)
	}
}

func TestBootstrap_LoginFailure(t *testing.T) {
	auth := &mockAuth{loginFn: func(context.Context) (identity.Identity, error) {
		return nil, identity.ErrLoginFailed
	}}
	store := &memContextStore{}
	backend := &gatewaytest.Backend{}

	_, err := newTestBootstrapper(auth, store, backend, Intervals{}).Bootstrap(context.Background())
	if !errors.Is(err, identity.ErrLoginFailed) {
		t.Fatalf("error = %v, want ErrLoginFailed", err)
	}
	if err.Error() != "Internet Identity login failed." {
		t.Errorf("message = %q", err.Error())
	}
	if IsStorageError(err) {
		t.Error("ログイン失敗をストレージ破損と判定してはならない")
	}
	if len(backend.Calls()) != 0 || store.saved != nil {
		t.Error("ログイン失敗時はバックエンドを呼ばず、コンテキストも保存しないべき")
	}
}

func TestBootstrap_StorageCorrupted(t *testing.T) {
	auth := &mockAuth{
		restoreFn: func(context.Context) (identity.Identity, error) {
			return nil, identity.ErrStorageCorrupted
		},
		loginFn: func(context.Context) (identity.Identity, error) {
			return nil, errors.New("should not be called")
		},
	}

	_, err := newTestBootstrapper(auth, &memContextStore{}, &gatewaytest.Backend{}, Intervals{}).Bootstrap(context.Background())
	if !IsStorageError(err) {
		t.Fatalf("IsStorageError(%v) = false", err)
	}
	if auth.logins() != 0 {
		t.Error("ストレージ破損時はログインを試みないべき")
	}
}

func TestBootstrap_GetOrCreateUserFailure(t *testing.T) {
	id := newTestIdentity(t)
	auth := &mockAuth{restoreFn: func(context.Context) (identity.Identity, error) { return id, nil }}
	store := &memContextStore{}
	backend := &gatewaytest.Backend{
		GetOrCreateUserFn: func(context.Context) (*model.UserResult, error) {
			return nil, &gateway.RemoteError{Method: gateway.MethodGetOrCreateUser, Message: "Anonymous principal not allowed"}
		},
	}

	_, err := newTestBootstrapper(auth, store, backend, Intervals{}).Bootstrap(context.Background())
	var remote *gateway.RemoteError
	if !errors.As(err, &remote) || remote.Message != "Anonymous principal not allowed" {
		t.Errorf("error = %v", err)
	}
	if store.saved != nil {
		t.Error("失敗時はログインコンテキストを保存しないべき")
	}
}

func TestRestore_SilentWhenNothingStored(t *testing.T) {
	auth := &mockAuth{loginFn: func(context.Context) (identity.Identity, error) {
		return nil, errors.New("should not be called")
	}}
	backend := &gatewaytest.Backend{}

	s, err := newTestBootstrapper(auth, &memContextStore{}, backend, Intervals{}).Restore(context.Background())
	if err != nil || s != nil {
		t.Fatalf("Restore = %v, %v, want nil, nil", s, err)
	}
	if auth.logins() != 0 || len(backend.Calls()) != 0 {
		t.Error("サイレント復元で対話ログインや通信をしてはならない")
	}
}

func TestIsStorageError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{identity.ErrStorageCorrupted, true},
		{fmt.Errorf("restore: %w", identity.ErrStorageCorrupted), true},
		{errors.New("record has legacy anchor_number field"), true},
		{errors.New("the storage is corrupted"), true},
		{identity.ErrLoginFailed, false},
		{errors.New("network down"), false},
	}

	for _, tt := range tests {
		if got := IsStorageError(tt.err); got != tt.want {
			t.Errorf("IsStorageError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClearStorage_RemovesAuthKeysOnly(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open(ctx, "")
	if err != nil {
		t.Fatalf("Open がエラーを返した: %v", err)
	}
	defer store.Close()

	for _, key := range []string{identity.KeySessionKey, identity.KeyDelegation, "theme"} {
		if err := store.Set(ctx, key, "x"); err != nil {
			t.Fatalf("Set がエラーを返した: %v", err)
		}
	}

	if err := ClearStorage(ctx, store, testLogger()); err != nil {
		t.Fatalf("ClearStorage がエラーを返した: %v", err)
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys がエラーを返した: %v", err)
	}
	if len(keys) != 1 || keys[0] != "theme" {
		t.Errorf("keys = %v, want [theme]", keys)
	}
}

// waitFor はcondが真になるまで最大timeoutだけ待つ。
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func startedSession(t *testing.T, backend *gatewaytest.Backend, intervals Intervals) (*Session, *mockAuth, *memContextStore) {
	t.Helper()
	id := newTestIdentity(t)
	auth := &mockAuth{restoreFn: func(context.Context) (identity.Identity, error) { return id, nil }}
	store := &memContextStore{}

	s, err := newTestBootstrapper(auth, store, backend, intervals).Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap がエラーを返した: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	return s, auth, store
}

func TestSession_StartLoadsAndPollsUntilClose(t *testing.T) {
	backend := &gatewaytest.Backend{}
	s, _, store := startedSession(t, backend, Intervals{
		ChatList:   10 * time.Millisecond,
		ActiveChat: time.Hour,
		Reminders:  10 * time.Millisecond,
	})

	for _, method := range []string{gateway.MethodGetMyInbox, gateway.MethodGetMySentMail, gateway.MethodGetStarredEmails, gateway.MethodGetMyStarredKeys, gateway.MethodGetMyReminders} {
		if backend.CallCount(method) != 1 {
			t.Errorf("%s calls = %d, want 1", method, backend.CallCount(method))
		}
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		return backend.CallCount(gateway.MethodGetChatList) >= 3 && backend.CallCount(gateway.MethodGetDueReminders) >= 2
	})
	if !ok {
		t.Fatalf("定期タスクが実行されていない: %v", backend.Calls())
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close がエラーを返した: %v", err)
	}
	after := len(backend.Calls())
	time.Sleep(50 * time.Millisecond)
	if n := len(backend.Calls()); n != after {
		t.Errorf("Close 後も呼び出しが続いている: %d -> %d", after, n)
	}
	if store.saved == nil || store.cleared != 0 {
		t.Error("Close でログインコンテキストが削除された")
	}
}

func TestSession_CloseKeepsLoginContextUntilLogout(t *testing.T) {
	s, _, store := startedSession(t, &gatewaytest.Backend{}, Intervals{})

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close がエラーを返した: %v", err)
	}
	if store.saved == nil {
		t.Fatal("通常の終了ではログインコンテキストを保持するべき")
	}

	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("Logout がエラーを返した: %v", err)
	}
	if store.saved != nil || store.cleared != 1 {
		t.Errorf("Logout でログインコンテキストが削除されていない: cleared=%d", store.cleared)
	}
}

func TestSession_OpenConversationRestartsActiveChatTask(t *testing.T) {
	first, second := principalFor(1), principalFor(2)

	var mu sync.Mutex
	fetched := map[string]int{}
	backend := &gatewaytest.Backend{
		GetChatMessagesFn: func(_ context.Context, p principal.Principal) ([]model.ChatMessage, error) {
			mu.Lock()
			fetched[p.Text()]++
			mu.Unlock()
			return []model.ChatMessage{}, nil
		},
	}
	s, _, _ := startedSession(t, backend, Intervals{
		ChatList:   time.Hour,
		ActiveChat: 10 * time.Millisecond,
		Reminders:  time.Hour,
	})
	defer s.Close(context.Background())

	count := func(p principal.Principal) int {
		mu.Lock()
		defer mu.Unlock()
		return fetched[p.Text()]
	}

	if err := s.OpenConversation(context.Background(), first); err != nil {
		t.Fatalf("OpenConversation がエラーを返した: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return count(first) >= 3 }) {
		t.Fatal("アクティブな会話がポーリングされていない")
	}

	if err := s.OpenConversation(context.Background(), second); err != nil {
		t.Fatalf("OpenConversation がエラーを返した: %v", err)
	}
	frozen := count(first)
	if !waitFor(t, 2*time.Second, func() bool { return count(second) >= 3 }) {
		t.Fatal("新しい会話がポーリングされていない")
	}
	if got := count(first); got != frozen {
		t.Errorf("切り替え後も以前の会話がポーリングされている: %d -> %d", frozen, got)
	}
}

func TestSession_OperationsAfterLogout(t *testing.T) {
	backend := &gatewaytest.Backend{}
	logoutCalled := false
	s, auth, store := startedSession(t, backend, Intervals{})
	auth.logoutFn = func(context.Context) error {
		logoutCalled = true
		return nil
	}

	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("Logout がエラーを返した: %v", err)
	}
	if !logoutCalled {
		t.Error("アイデンティティが破棄されていない")
	}
	if store.saved != nil {
		t.Error("ログインコンテキストが残っている")
	}
	if s.Active() {
		t.Error("Logout 後は非アクティブであるべき")
	}

	if err := s.OpenConversation(context.Background(), principalFor(1)); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("OpenConversation error = %v, want ErrNotAuthenticated", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Start error = %v, want ErrNotAuthenticated", err)
	}
}

func principalFor(b byte) principal.Principal {
	p, _ := principal.FromBytes([]byte{b, 0x01})
	return p
}
