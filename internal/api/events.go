package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/notify"
)

// keepAliveInterval はSSE接続を維持するためのコメント送信間隔。
const keepAliveInterval = 20 * time.Second

// events は通知とキャッシュ変更をServer-Sent Eventsで配信する。
// GET /api/events
func (s *server) events(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewInvalidRequestError("event stream is disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.deps.Events.Subscribe()
	defer unsubscribe()

	fmt.Fprint(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// invokeAction は通知に付随する操作（リマインダーのDismissなど）を実行する。
// POST /api/notifications/{id}/action
func (s *server) invokeAction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewInvalidRequestError("notification actions are disabled"))
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Events.Invoke(r.Context(), id); err != nil {
		if errors.Is(err, notify.ErrUnknownNotification) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewInvalidRequestError("unknown notification: "+id))
			return
		}
		slog.Warn("notification action failed", slog.String("id", id), slog.String("error", err.Error()))
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
