package handlers

import (
	"net/http"
	"strconv"

	"github.com/BaSui01/agentrun/store"
	"go.uber.org/zap"
)

// WorkflowHandler exposes the template store: listing, retrieval, similarity
// search, statistics and deletion.
type WorkflowHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewWorkflowHandler creates the workflow REST surface.
func NewWorkflowHandler(s *store.Store, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		store:  s,
		logger: logger.With(zap.String("component", "workflow_handler")),
	}
}

// HandleList serves GET /api/v1/workflows.
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if question := r.URL.Query().Get("similar_to"); question != "" {
		k := 3
		if raw := r.URL.Query().Get("k"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				k = parsed
			}
		}
		type scoredView struct {
			ID              string  `json:"id"`
			QuestionPattern string  `json:"question_pattern"`
			Score           float64 `json:"score"`
			SuccessRate     float64 `json:"success_rate"`
			UsageCount      int     `json:"usage_count"`
		}
		var out []scoredView
		for _, s := range h.store.FindSimilar(question, k) {
			out = append(out, scoredView{
				ID:              s.Template.Metadata.ID,
				QuestionPattern: s.Template.Metadata.QuestionPattern,
				Score:           s.Score,
				SuccessRate:     s.Template.Metadata.SuccessRate,
				UsageCount:      s.Template.Metadata.UsageCount,
			})
		}
		WriteSuccess(w, out)
		return
	}
	WriteSuccess(w, h.store.List())
}

// HandleGet serves GET /api/v1/workflows/{id}.
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, tpl)
}

// HandleDelete serves DELETE /api/v1/workflows/{id}.
func (h *WorkflowHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.Delete(id); err != nil {
		WriteError(w, err)
		return
	}
	h.logger.Info("template deleted", zap.String("template_id", id))
	WriteSuccess(w, map[string]string{"deleted": id})
}

// HandleStats serves GET /api/v1/workflows/stats.
func (h *WorkflowHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.store.Statistics())
}
