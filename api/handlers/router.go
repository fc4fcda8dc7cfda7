package handlers

import (
	"net/http"

	"github.com/BaSui01/agentrun/agent"
	"github.com/BaSui01/agentrun/permission"
	"github.com/BaSui01/agentrun/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps bundles what the HTTP surface needs.
type RouterDeps struct {
	Runtime     *agent.Runtime
	Permissions *permission.Manager
	Store       *store.Store
	Registry    prometheus.Gatherer
}

// NewRouter assembles the full HTTP mux.
func NewRouter(deps RouterDeps, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /health", NewHealthHandler())
	mux.Handle("/api/v1/ws", NewSessionHandler(deps.Runtime, logger))

	perms := NewPermissionHandler(deps.Permissions, logger)
	mux.HandleFunc("GET /api/v1/permissions/pending", perms.HandleListPending)
	mux.HandleFunc("GET /api/v1/permissions/{id}", perms.HandleGet)
	mux.HandleFunc("POST /api/v1/permissions/{id}/respond", perms.HandleRespond)

	workflows := NewWorkflowHandler(deps.Store, logger)
	mux.HandleFunc("GET /api/v1/workflows", workflows.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/stats", workflows.HandleStats)
	mux.HandleFunc("GET /api/v1/workflows/{id}", workflows.HandleGet)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", workflows.HandleDelete)

	if deps.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}
