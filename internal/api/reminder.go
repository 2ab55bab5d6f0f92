package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/mutation"
)

// setReminderRequest はリマインダー設定リクエスト。atとquickのどちらか一方を指定する。
type setReminderRequest struct {
	model.EmailKey
	At    string `json:"at,omitempty"`    // RFC 3339
	Quick string `json:"quick,omitempty"` // "In 30 min" など
}

// reminders はリマインダー一覧を返す。
// GET /api/reminders
func (s *server) reminders(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Mailbox.Reminders()
	if list == nil {
		list = []model.Reminder{}
	}
	middleware.WriteJSON(w, http.StatusOK, list)
}

// reminderOptions はクイック選択肢とその日時を返す。
// GET /api/reminders/options
func (s *server) reminderOptions(w http.ResponseWriter, r *http.Request) {
	type option struct {
		Label string    `json:"label"`
		At    time.Time `json:"at"`
	}

	now := s.now()
	opts := make([]option, 0, len(mutation.QuickOptions()))
	for _, o := range mutation.QuickOptions() {
		opts = append(opts, option{Label: o.Label(), At: mutation.QuickReminderTime(o, now)})
	}
	middleware.WriteJSON(w, http.StatusOK, opts)
}

// setReminder はメールにリマインダーを設定する。
// POST /api/reminders
func (s *server) setReminder(w http.ResponseWriter, r *http.Request) {
	var req setReminderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var at time.Time
	switch {
	case req.Quick != "":
		o, err := mutation.ParseQuickOption(req.Quick)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidTimestampError(req.Quick))
			return
		}
		at = mutation.QuickReminderTime(o, s.now())
	case req.At != "":
		parsed, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidTimestampError(req.At))
			return
		}
		at = parsed
	default:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidTimestampError("at or quick is required"))
		return
	}

	reminder, err := s.deps.Mutations.SetReminder(r.Context(), req.EmailKey, at)
	if err != nil {
		handleError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, reminder)
}

// cancelReminder は未発火のリマインダーを取り消す。
// POST /api/reminders/cancel
func (s *server) cancelReminder(w http.ResponseWriter, r *http.Request) {
	s.removeReminder(w, r, s.deps.Mutations.CancelReminder)
}

// dismissReminder はリマインダーを消去する。
// POST /api/reminders/dismiss
func (s *server) dismissReminder(w http.ResponseWriter, r *http.Request) {
	s.removeReminder(w, r, s.deps.Mutations.DismissReminder)
}

func (s *server) removeReminder(w http.ResponseWriter, r *http.Request, remove func(ctx context.Context, key model.EmailKey) (bool, error)) {
	var key model.EmailKey
	if !decodeBody(w, r, &key) {
		return
	}

	ok, err := remove(r.Context(), key)
	if err != nil {
		handleError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}
