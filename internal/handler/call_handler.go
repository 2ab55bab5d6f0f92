package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tuams/tuamail/internal/backend"
	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/metrics"
	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

// Service は呼び出しハンドラーが必要とするバックエンドのサービスインターフェース。
type Service interface {
	GetOrCreateUser(ctx context.Context, caller principal.Principal) (*model.UserResult, error)
	SendEmail(ctx context.Context, caller, receiver principal.Principal, subject, body string) (*model.Email, error)
	GetMyInbox(ctx context.Context, caller principal.Principal) ([]model.Email, error)
	GetMySentMail(ctx context.Context, caller principal.Principal) ([]model.Email, error)
	MarkAsRead(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error)
	ToggleStar(ctx context.Context, caller principal.Principal, key model.EmailKey, starred bool) (bool, error)
	GetStarredEmails(ctx context.Context, caller principal.Principal) ([]model.Email, error)
	IsStarred(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error)
	GetMyStarredKeys(ctx context.Context, caller principal.Principal) ([]model.EmailKey, error)
	SendChatMessage(ctx context.Context, caller, receiver principal.Principal, content string) (*model.ChatMessage, error)
	GetChatMessages(ctx context.Context, caller, other principal.Principal) ([]model.ChatMessage, error)
	MarkChatRead(ctx context.Context, caller, other principal.Principal) (bool, error)
	GetChatList(ctx context.Context, caller principal.Principal) ([]model.ChatPreview, error)
	SetReminder(ctx context.Context, caller principal.Principal, key model.EmailKey, remindAt uint64) (*model.Reminder, error)
	GetMyReminders(ctx context.Context, caller principal.Principal) ([]model.Reminder, error)
	GetDueReminders(ctx context.Context, caller principal.Principal) ([]model.Reminder, error)
	DismissReminder(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error)
	CancelReminder(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error)
}

// backend呼び出し結果のラベル値
const outcomeInternal = "internal_error"

// callFunc は引数のJSONを受け取り、Okペイロードとなる値を返す。
type callFunc func(ctx context.Context, caller principal.Principal, args json.RawMessage) (any, error)

// argsError は引数のデコード失敗。Errエンベロープで返す。
type argsError struct {
	err error
}

func (e *argsError) Error() string {
	if errors.Is(e.err, principal.ErrInvalidPrincipal) {
		return "Invalid principal: " + e.err.Error()
	}
	return "Invalid arguments: " + e.err.Error()
}

func noArgs[R any](fn func(context.Context, principal.Principal) (R, error)) callFunc {
	return func(ctx context.Context, caller principal.Principal, _ json.RawMessage) (any, error) {
		return fn(ctx, caller)
	}
}

func withArgs[A, R any](fn func(context.Context, principal.Principal, A) (R, error)) callFunc {
	return func(ctx context.Context, caller principal.Principal, raw json.RawMessage) (any, error) {
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, &argsError{err: err}
		}
		return fn(ctx, caller, args)
	}
}

// CallHandler は POST /api/v1/call/{method} を処理する。
// 結果は常に {"Ok": ...} か {"Err": "..."} のエンベロープで200を返し、
// 未定義メソッドと内部エラーのみAPIErrorで返す。
type CallHandler struct {
	methods map[string]callFunc
	metrics metrics.MetricsCollector
}

// NewCallHandler はCallHandlerを生成する。
func NewCallHandler(svc Service, m metrics.MetricsCollector) *CallHandler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &CallHandler{methods: dispatchTable(svc), metrics: m}
}

// Methods は登録済みのメソッド名の数を返す。
func (h *CallHandler) Methods() int {
	return len(h.methods)
}

func emailKey(sender principal.Principal, timestamp uint64) model.EmailKey {
	return model.EmailKey{Sender: sender, Timestamp: timestamp}
}

func dispatchTable(svc Service) map[string]callFunc {
	return map[string]callFunc{
		gateway.MethodGetOrCreateUser: noArgs(svc.GetOrCreateUser),
		gateway.MethodSendEmail: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.SendEmailArgs) (*model.Email, error) {
			return svc.SendEmail(ctx, caller, a.Receiver, a.Subject, a.Body)
		}),
		gateway.MethodGetMyInbox:    noArgs(svc.GetMyInbox),
		gateway.MethodGetMySentMail: noArgs(svc.GetMySentMail),
		gateway.MethodMarkAsRead: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.EmailRefArgs) (bool, error) {
			return svc.MarkAsRead(ctx, caller, emailKey(a.Sender, a.Timestamp))
		}),
		gateway.MethodToggleStar: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.ToggleStarArgs) (bool, error) {
			return svc.ToggleStar(ctx, caller, emailKey(a.Sender, a.Timestamp), a.Starred)
		}),
		gateway.MethodGetStarredEmails: noArgs(svc.GetStarredEmails),
		gateway.MethodIsStarred: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.EmailRefArgs) (bool, error) {
			return svc.IsStarred(ctx, caller, emailKey(a.Sender, a.Timestamp))
		}),
		gateway.MethodGetMyStarredKeys: noArgs(svc.GetMyStarredKeys),
		gateway.MethodSendChatMessage: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.SendChatArgs) (*model.ChatMessage, error) {
			return svc.SendChatMessage(ctx, caller, a.Receiver, a.Content)
		}),
		gateway.MethodGetChatMessages: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.OtherUserArgs) ([]model.ChatMessage, error) {
			return svc.GetChatMessages(ctx, caller, a.OtherUser)
		}),
		gateway.MethodMarkChatRead: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.OtherUserArgs) (bool, error) {
			return svc.MarkChatRead(ctx, caller, a.OtherUser)
		}),
		gateway.MethodGetChatList: noArgs(svc.GetChatList),
		gateway.MethodSetReminder: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.SetReminderArgs) (*model.Reminder, error) {
			return svc.SetReminder(ctx, caller, emailKey(a.EmailSender, a.EmailTimestamp), a.RemindAt)
		}),
		gateway.MethodGetMyReminders:  noArgs(svc.GetMyReminders),
		gateway.MethodGetDueReminders: noArgs(svc.GetDueReminders),
		gateway.MethodDismissReminder: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.ReminderRefArgs) (bool, error) {
			return svc.DismissReminder(ctx, caller, emailKey(a.EmailSender, a.EmailTimestamp))
		}),
		gateway.MethodCancelReminder: withArgs(func(ctx context.Context, caller principal.Principal, a gateway.ReminderRefArgs) (bool, error) {
			return svc.CancelReminder(ctx, caller, emailKey(a.EmailSender, a.EmailTimestamp))
		}),
	}
}

// Call はバックエンドメソッドを呼び出す。
// POST /api/v1/call/{method}
func (h *CallHandler) Call(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	fn, ok := h.methods[method]
	if !ok {
		h.metrics.RecordBackendCall("unknown", outcomeInternal)
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownMethodError(method))
		return
	}

	caller, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError("missing caller"))
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	result, err := fn(r.Context(), caller, raw)

	var (
		ruleErr *backend.RuleError
		argErr  *argsError
	)
	switch {
	case err == nil:
		payload, mErr := json.Marshal(result)
		if mErr != nil {
			h.fail(w, method, fmt.Errorf("failed to encode result: %w", mErr))
			return
		}
		h.metrics.RecordBackendCall(method, metrics.OutcomeOK)
		middleware.WriteJSON(w, http.StatusOK, gateway.Envelope{Ok: payload})

	case errors.As(err, &ruleErr), errors.As(err, &argErr):
		msg := err.Error()
		h.metrics.RecordBackendCall(method, metrics.OutcomeRemoteErr)
		middleware.WriteJSON(w, http.StatusOK, gateway.Envelope{Err: &msg})

	default:
		h.fail(w, method, err)
	}
}

func (h *CallHandler) fail(w http.ResponseWriter, method string, err error) {
	slog.Error("backend call failed",
		slog.String("method", method),
		slog.String("error", err.Error()),
	)
	h.metrics.RecordBackendCall(method, outcomeInternal)
	middleware.WriteInternalServerError(w)
}

// compile-time interface check
var _ Service = (*backend.Service)(nil)
