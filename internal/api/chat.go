package api

import (
	"net/http"

	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/model"
)

type startChatRequest struct {
	Principal string `json:"principal"`
}

type sendChatRequest struct {
	Content string `json:"content"`
}

type conversationResponse struct {
	Partner  string              `json:"partner"`
	Messages []model.ChatMessage `json:"messages"`
}

// chatList は会話のプレビュー一覧を返す。
// GET /api/chats
func (s *server) chatList(w http.ResponseWriter, r *http.Request) {
	previews := s.deps.Mailbox.ChatPreviews()
	if previews == nil {
		previews = []model.ChatPreview{}
	}
	middleware.WriteJSON(w, http.StatusOK, previews)
}

// startChat は入力されたプリンシパルとの会話を開く。
// POST /api/chats
func (s *server) startChat(w http.ResponseWriter, r *http.Request) {
	var req startChatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	partner, err := s.deps.Mutations.StartChat(r.Context(), req.Principal)
	if err != nil {
		handleError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"partner": partner.Text()})
}

// activeChat はアクティブな会話のメッセージを返す。
// GET /api/chats/active
func (s *server) activeChat(w http.ResponseWriter, r *http.Request) {
	partner, messages, ok := s.deps.Mailbox.ActiveConversation()
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNoActiveChatError())
		return
	}
	if messages == nil {
		messages = []model.ChatMessage{}
	}
	middleware.WriteJSON(w, http.StatusOK, conversationResponse{Partner: partner.Text(), Messages: messages})
}

// closeChat はアクティブな会話を閉じる。
// DELETE /api/chats/active
func (s *server) closeChat(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.CloseConversation()
	w.WriteHeader(http.StatusNoContent)
}

// sendChat はアクティブな会話にメッセージを送信する。
// POST /api/chats/active/messages
func (s *server) sendChat(w http.ResponseWriter, r *http.Request) {
	var req sendChatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.deps.Mutations.SendChatMessage(r.Context(), req.Content); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
