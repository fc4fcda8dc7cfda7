package handlers

import (
	"net/http"

	"github.com/BaSui01/agentrun/permission"
	"go.uber.org/zap"
)

// PermissionHandler is the REST mirror of the permission frames: pending
// listing and out-of-band decisions.
type PermissionHandler struct {
	manager *permission.Manager
	logger  *zap.Logger
}

// NewPermissionHandler creates the permission REST surface.
func NewPermissionHandler(manager *permission.Manager, logger *zap.Logger) *PermissionHandler {
	return &PermissionHandler{
		manager: manager,
		logger:  logger.With(zap.String("component", "permission_handler")),
	}
}

// HandleListPending serves GET /api/v1/permissions/pending.
func (h *PermissionHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	filter := permission.Filter{
		UserID:    r.URL.Query().Get("user_id"),
		SessionID: r.URL.Query().Get("session_id"),
		Operation: r.URL.Query().Get("operation"),
	}
	WriteSuccess(w, h.manager.ListPending(filter))
}

type respondRequest struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// HandleRespond serves POST /api/v1/permissions/{id}/respond.
func (h *PermissionHandler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	var body respondRequest
	if !DecodeJSONBody(w, r, &body) {
		return
	}
	if err := h.manager.Respond(requestID, body.Granted, body.Reason); err != nil {
		WriteError(w, err)
		return
	}
	h.logger.Info("permission decided over REST",
		zap.String("request_id", requestID),
		zap.Bool("granted", body.Granted),
	)
	WriteSuccess(w, map[string]string{"request_id": requestID})
}

// HandleGet serves GET /api/v1/permissions/{id}.
func (h *PermissionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	req, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, req)
}
