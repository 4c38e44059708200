// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/issuedesk/internal/middleware"
	"github.com/hitoshi/issuedesk/internal/model"
)

// maxRequestBody はJSONリクエストボディの上限バイト数。
const maxRequestBody = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvに読み込む。失敗時はエラーレスポンスを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Request body must be valid JSON"))
		return false
	}
	return true
}

// sessionFrom はセッションミドルウェアが注入したセッションを返す。
// 見つからない場合は401を書き込みnilを返す。
func sessionFrom(w http.ResponseWriter, r *http.Request) *model.Session {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return nil
	}
	return session
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeInvalidTransition, model.ErrCodeIssueClosed:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeConflict, model.ErrCodeEmailTaken:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
