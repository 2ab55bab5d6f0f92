// Package api はプレゼンテーション層向けのローカルHTTP APIを提供する。
// 認証済みセッションのキャッシュを読み出し、書き込みはミューテーション調停を経由する。
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/notify"
	"github.com/tuams/tuamail/internal/principal"
)

// Mailbox はAPIが読み出すキャッシュ。*mailbox.Cache が満たす。
type Mailbox interface {
	Folder(f model.Folder) []model.Email
	FindEmail(key model.EmailKey) (model.Email, bool)
	IsStarred(key model.EmailKey) bool
	HasActiveReminder(key model.EmailKey) bool
	UnreadCount() int
	ChatPreviews() []model.ChatPreview
	ChatUnreadCount() uint64
	ActiveConversation() (principal.Principal, []model.ChatMessage, bool)
	Reminders() []model.Reminder
}

// Mutations はユーザー操作による書き込み。*mutation.Coordinator が満たす。
type Mutations interface {
	SendEmail(ctx context.Context, to, subject, body string) (*model.Email, error)
	ToggleStar(ctx context.Context, key model.EmailKey) (bool, error)
	MarkAsRead(ctx context.Context, email model.Email) error
	SendChatMessage(ctx context.Context, content string) error
	StartChat(ctx context.Context, text string) (principal.Principal, error)
	SetReminder(ctx context.Context, key model.EmailKey, at time.Time) (*model.Reminder, error)
	CancelReminder(ctx context.Context, key model.EmailKey) (bool, error)
	DismissReminder(ctx context.Context, key model.EmailKey) (bool, error)
}

// Session はセッションのライフサイクル操作。*session.Session が満たす。
type Session interface {
	Active() bool
	CloseConversation()
	Logout(ctx context.Context) error
}

// Pinger はヘルスチェックに必要なインターフェース。*localstore.Store が満たす。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps はNewRouterに必要な依存関係をまとめた構造体。
type Deps struct {
	Login     model.LoginContext
	Session   Session
	Mailbox   Mailbox
	Mutations Mutations
	Events    *notify.Hub
	Store     Pinger
	Logger    *slog.Logger

	CORSAllowedOrigin string
	MetricsHandler    http.Handler

	// OnLogout はログアウト完了後に呼ばれる。nilの場合は何もしない。
	OnLogout func()

	// Now はリマインダーのクイック選択肢の基準時刻。nilの場合はtime.Now。
	Now func() time.Time
}

type server struct {
	deps *Deps
	now  func() time.Time
}

// NewRouter はローカルAPIのルーティングを構成したchi.Routerを返す。
func NewRouter(deps *Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{deps: deps, now: deps.Now}
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, nil))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", s.health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(middleware.CSRFConfig{AllowedOrigin: deps.CORSAllowedOrigin}))
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler())

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			s.sessionRoutes(r)
		})
	})

	return r
}

// sessionRoutes はログイン中のみ有効なエンドポイントを登録する。
func (s *server) sessionRoutes(r chi.Router) {
	r.Get("/state", s.state)
	r.Get("/badges/{section}", s.badge)
	r.Get("/folders/{folder}", s.folder)
	r.Post("/compose", s.compose)
	r.Post("/emails/read", s.markRead)
	r.Post("/emails/star", s.toggleStar)

	r.Get("/chats", s.chatList)
	r.Post("/chats", s.startChat)
	r.Get("/chats/active", s.activeChat)
	r.Delete("/chats/active", s.closeChat)
	r.Post("/chats/active/messages", s.sendChat)

	r.Get("/reminders", s.reminders)
	r.Get("/reminders/options", s.reminderOptions)
	r.Post("/reminders", s.setReminder)
	r.Post("/reminders/cancel", s.cancelReminder)
	r.Post("/reminders/dismiss", s.dismissReminder)

	r.Post("/notifications/{id}/action", s.invokeAction)
	r.Get("/events", s.events)
	r.Post("/logout", s.logout)
}

// requireSession は終了済みのセッションへのリクエストを401で拒否する。
func (s *server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Session == nil || !s.deps.Session.Active() {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// stateResponse は画面全体の状態。
type stateResponse struct {
	Principal       string `json:"principal"`
	Role            string `json:"role"`
	IsNewUser       bool   `json:"is_new_user"`
	UnreadCount     int    `json:"unread_count"`
	ChatUnreadCount uint64 `json:"chat_unread_count"`
	ActiveChat      string `json:"active_chat,omitempty"`
}

// state はログイン中のユーザーと未読数を返す。
// GET /api/state
func (s *server) state(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		Principal:       s.deps.Login.Principal,
		Role:            s.deps.Login.Role,
		IsNewUser:       s.deps.Login.IsNewUser,
		UnreadCount:     s.deps.Mailbox.UnreadCount(),
		ChatUnreadCount: s.deps.Mailbox.ChatUnreadCount(),
	}
	if partner, _, ok := s.deps.Mailbox.ActiveConversation(); ok {
		resp.ActiveChat = partner.Text()
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// badge はセクションごとの未読バッジ数を返す。
// GET /api/badges/{section}
func (s *server) badge(w http.ResponseWriter, r *http.Request) {
	section, err := model.ParseSection(chi.URLParam(r, "section"))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidSectionError(chi.URLParam(r, "section")))
		return
	}

	var count uint64
	switch section {
	case model.SectionMail:
		count = uint64(s.deps.Mailbox.UnreadCount())
	case model.SectionChat:
		count = s.deps.Mailbox.ChatUnreadCount()
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"section": section.String(), "count": count})
}

// logout はセッションを終了し、アイデンティティを削除する。
// POST /api/logout
func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.Logout(r.Context()); err != nil {
		slog.Error("logout failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	if s.deps.OnLogout != nil {
		s.deps.OnLogout()
	}
}
