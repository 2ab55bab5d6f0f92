package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
	"github.com/tuams/tuamail/internal/session"
)

// handleError はクライアント処理のエラーをHTTPレスポンスに変換する。
// バックエンドのメッセージはそのまま返す。
func handleError(w http.ResponseWriter, err error) {
	var (
		apiErr    *model.APIError
		remoteErr *gateway.RemoteError
		statusErr *gateway.StatusError
	)
	switch {
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, statusForCode(apiErr.Code), apiErr)
	case errors.Is(err, model.ErrInvalidPrincipalID):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidPrincipal,
			Message:  err.Error(),
			Category: "validation",
			Action:   "正しいプリンシパルIDを入力してください。",
		})
	case errors.Is(err, session.ErrNotAuthenticated):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
	case errors.As(err, &remoteErr):
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewRemoteFailedError(remoteErr.Message))
	case errors.As(err, &statusErr):
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewRemoteFailedError(statusErr.Error()))
	default:
		slog.Error("request failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewRemoteFailedError(err.Error()))
	}
}

func statusForCode(code string) int {
	switch code {
	case model.ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeEmailNotFound:
		return http.StatusNotFound
	case model.ErrCodeNoActiveChat:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// decodeBody はJSONのリクエストボディをvにデコードする。失敗した場合はレスポンスを書き込んでfalseを返す。
// Content-Typeがapplication/jsonでない場合は415を返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		middleware.WriteErrorResponse(w, http.StatusUnsupportedMediaType, model.NewInvalidRequestError("Content-Type must be application/json"))
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, principal.ErrInvalidPrincipal) {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPrincipalError(err.Error()))
			return false
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return false
	}
	return true
}
