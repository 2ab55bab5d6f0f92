// Package session は認証済みセッションの確立と、セッションに紐づく定期タスクのライフサイクルを管理する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/identity"
	"github.com/tuams/tuamail/internal/mailbox"
	"github.com/tuams/tuamail/internal/metrics"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/mutation"
	"github.com/tuams/tuamail/internal/poller"
	"github.com/tuams/tuamail/internal/principal"
	"github.com/tuams/tuamail/internal/reminder"
)

// 定期タスク名
const (
	TaskChatList   = "chat_list"
	TaskActiveChat = "active_chat"
	TaskReminders  = "reminders"
)

// 既定のポーリング間隔
const (
	DefaultChatListInterval   = 10 * time.Second
	DefaultActiveChatInterval = 5 * time.Second
	DefaultReminderInterval   = 30 * time.Second
)

// ErrNotAuthenticated は終了済みのセッションに対する操作のエラー。
var ErrNotAuthenticated = errors.New("session is not authenticated")

// Intervals は定期タスクの実行間隔。
type Intervals struct {
	ChatList   time.Duration
	ActiveChat time.Duration
	Reminders  time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.ChatList <= 0 {
		i.ChatList = DefaultChatListInterval
	}
	if i.ActiveChat <= 0 {
		i.ActiveChat = DefaultActiveChatInterval
	}
	if i.Reminders <= 0 {
		i.Reminders = DefaultReminderInterval
	}
	return i
}

// Session は認証済みセッション。キャッシュと調停処理、定期タスクをすべて所有する。
type Session struct {
	Principal principal.Principal
	User      model.User
	IsNewUser bool

	Backend     gateway.Backend
	Cache       *mailbox.Cache
	Coordinator *mutation.Coordinator
	Notifier    *reminder.Notifier

	auth      Authenticator
	store     LoginContextStore
	intervals Intervals
	metrics   metrics.MetricsCollector
	logger    *slog.Logger

	mu         sync.Mutex
	group      *poller.Group
	activeTask *poller.Task
	closed     bool
}

// Start は初回の読み込みを並行に行ってから、チャット一覧とリマインダーの定期タスクを開始する。
// 初回読み込みの失敗はログに記録するだけでセッションは継続する。
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	if s.group != nil {
		s.mu.Unlock()
		return nil
	}
	s.group = poller.NewGroup(ctx, s.logger, s.metrics)
	group := s.group
	s.mu.Unlock()

	s.initialLoad(group.Context())

	group.Go(TaskChatList, s.intervals.ChatList, s.Cache.RefreshChatList)
	group.Go(TaskReminders, s.intervals.Reminders, s.Notifier.CheckDue)

	s.logger.Info("session started")
	return nil
}

func (s *Session) initialLoad(ctx context.Context) {
	loads := map[string]func(context.Context) error{
		"mail":      s.Cache.RefreshMail,
		"chat_list": s.Cache.RefreshChatList,
		"reminders": s.Cache.RefreshReminders,
	}

	var wg sync.WaitGroup
	for name, load := range loads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := load(ctx); err != nil {
				s.logger.Warn("初回読み込みに失敗しました",
					slog.String("collection", name),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	wg.Wait()
}

// OpenConversation はアクティブな会話を切り替える。
// 以前の会話の定期タスクを停止してから新しい会話を読み込み、定期タスクを開始し直す。
func (s *Session) OpenConversation(ctx context.Context, partner principal.Principal) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	prev := s.activeTask
	s.activeTask = nil
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	loadErr := s.Cache.OpenConversation(ctx, partner)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotAuthenticated
	}
	if s.group != nil && s.activeTask == nil {
		s.activeTask = s.group.Go(TaskActiveChat, s.intervals.ActiveChat, s.Cache.RefreshActiveConversation)
	}
	return loadErr
}

// CloseConversation はアクティブな会話を閉じ、その定期タスクを停止する。
func (s *Session) CloseConversation() {
	s.mu.Lock()
	task := s.activeTask
	s.activeTask = nil
	s.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	s.Cache.CloseConversation()
}

// Active はセッションが終了していないかを返す。
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close はすべての定期タスクを停止する。
// アイデンティティとログインコンテキストは保持する。削除はLogoutだけが行う。
func (s *Session) Close(_ context.Context) error {
	if !s.stop() {
		return nil
	}
	s.logger.Info("session closed")
	return nil
}

// Logout はセッションを終了し、アイデンティティとログインコンテキストを削除する。
func (s *Session) Logout(ctx context.Context) error {
	s.stop()
	err := errors.Join(
		s.store.ClearLoginContext(ctx),
		s.auth.Logout(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	s.logger.Info("logged out")
	return nil
}

// stop は定期タスクを止めてセッションを終了状態にする。既に終了していた場合はfalseを返す。
func (s *Session) stop() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	group := s.group
	s.activeTask = nil
	s.mu.Unlock()

	if group != nil {
		group.Stop()
	}
	return true
}

// IsStorageError は認証ストレージの破損を示すエラーかどうかを判定する。
// ストレージを削除して再試行することで復旧できる。
func IsStorageError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, identity.ErrStorageCorrupted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "corrupted") || strings.Contains(msg, "anchor_number")
}

// StorageClearer は認証に関係するローカルストレージを削除する。
type StorageClearer interface {
	ClearAuthStorage(ctx context.Context) ([]string, error)
}

// ClearStorage は認証ストレージを削除する。IsStorageErrorに該当するエラーからの復旧手段。
func ClearStorage(ctx context.Context, store StorageClearer, logger *slog.Logger) error {
	removed, err := store.ClearAuthStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear auth storage: %w", err)
	}
	logger.Info("auth storage cleared", slog.Any("keys", removed))
	return nil
}

// compile-time interface check
var _ mutation.ConversationOpener = (*Session)(nil)
