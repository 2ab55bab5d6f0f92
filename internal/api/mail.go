package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/model"
)

// emailResponse は一覧表示用のメール。スターとリマインダーの状態を含む。
type emailResponse struct {
	model.Email
	Starred     bool `json:"starred"`
	HasReminder bool `json:"has_reminder"`
}

type composeRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// folder はフォルダーのメール一覧を新しい順に返す。
// GET /api/folders/{folder}
func (s *server) folder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "folder")
	f, err := model.ParseFolder(name)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidFolderError(name))
		return
	}

	emails := s.deps.Mailbox.Folder(f)
	resp := make([]emailResponse, 0, len(emails))
	for _, e := range emails {
		resp = append(resp, emailResponse{
			Email:       e,
			Starred:     s.deps.Mailbox.IsStarred(e.Key()),
			HasReminder: s.deps.Mailbox.HasActiveReminder(e.Key()),
		})
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// compose はメールを送信する。
// POST /api/compose
func (s *server) compose(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	email, err := s.deps.Mutations.SendEmail(r.Context(), req.To, req.Subject, req.Body)
	if err != nil {
		handleError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, email)
}

// markRead はキャッシュ上のメールを既読にする。
// POST /api/emails/read
func (s *server) markRead(w http.ResponseWriter, r *http.Request) {
	var key model.EmailKey
	if !decodeBody(w, r, &key) {
		return
	}

	email, ok := s.deps.Mailbox.FindEmail(key)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEmailNotFoundError(key.String()))
		return
	}
	if err := s.deps.Mutations.MarkAsRead(r.Context(), email); err != nil {
		handleError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"read": true})
}

// toggleStar はスターを切り替え、切り替え後の状態を返す。
// POST /api/emails/star
func (s *server) toggleStar(w http.ResponseWriter, r *http.Request) {
	var key model.EmailKey
	if !decodeBody(w, r, &key) {
		return
	}

	starred, err := s.deps.Mutations.ToggleStar(r.Context(), key)
	if err != nil {
		handleError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"starred": starred})
}
