package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/issuedesk/internal/model"
)

// CommentServiceInterface はコメントハンドラーが必要とするサービスインターフェース。
type CommentServiceInterface interface {
	Add(ctx context.Context, sess *model.Session, issueID, body string) (*model.Comment, error)
	List(ctx context.Context, sess *model.Session, issueID string) ([]*model.Comment, error)
}

// CommentHandler はコメントのHTTPハンドラー。
type CommentHandler struct {
	service CommentServiceInterface
}

// NewCommentHandler はCommentHandlerを生成する。
func NewCommentHandler(service CommentServiceInterface) *CommentHandler {
	return &CommentHandler{service: service}
}

type addCommentRequest struct {
	Body string `json:"body"`
}

type commentResponse struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ListComments は課題のコメントを古い順に返す。
// GET /api/issues/{id}/comments
func (h *CommentHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}

	comments, err := h.service.List(r.Context(), session, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := make([]commentResponse, len(comments))
	for i, c := range comments {
		resp[i] = toCommentResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": resp})
}

// AddComment は課題にコメントを追加する。
// POST /api/issues/{id}/comments
func (h *CommentHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}
	var req addCommentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	comment, err := h.service.Add(r.Context(), session, chi.URLParam(r, "id"), req.Body)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommentResponse(comment))
}

func toCommentResponse(c *model.Comment) commentResponse {
	return commentResponse{
		ID:        c.ID,
		IssueID:   c.IssueID,
		AuthorID:  c.AuthorID,
		Body:      c.Body,
		CreatedAt: c.CreatedAt,
	}
}
