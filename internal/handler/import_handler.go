package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/issuedesk/internal/importer"
	"github.com/hitoshi/issuedesk/internal/model"
)

// ImporterInterface はフィード取り込みのインターフェース。
type ImporterInterface interface {
	Import(ctx context.Context, sess *model.Session, in importer.Input) (*importer.Result, error)
}

// ImportHandler はフィード取り込みのHTTPハンドラー。
type ImportHandler struct {
	importer ImporterInterface
}

// NewImportHandler はImportHandlerを生成する。
func NewImportHandler(im ImporterInterface) *ImportHandler {
	return &ImportHandler{importer: im}
}

type importRequest struct {
	URL      string `json:"url"`
	Severity string `json:"severity"`
}

type importResponse struct {
	FeedURL string          `json:"feed_url"`
	Created []issueResponse `json:"created"`
	Skipped int             `json:"skipped"`
}

// Import はRSS/Atomフィードのエントリを課題として取り込む。
// POST /api/imports
func (h *ImportHandler) Import(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(w, r)
	if session == nil {
		return
	}
	var req importRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.importer.Import(r.Context(), session, importer.Input{
		URL:      req.URL,
		Severity: model.Severity(req.Severity),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := importResponse{
		FeedURL: res.FeedURL,
		Created: make([]issueResponse, len(res.Created)),
		Skipped: res.Skipped,
	}
	for i, is := range res.Created {
		resp.Created[i] = toIssueResponse(is)
	}
	writeJSON(w, http.StatusOK, resp)
}
