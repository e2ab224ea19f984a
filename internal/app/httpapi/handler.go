// Package httpapi exposes the REST and SSE surface of the dispatch backend
// under the /api/v1 prefix.
package httpapi

import (
	"net/http"

	"github.com/rutaops/dispatch/internal/app/auth"
	"github.com/rutaops/dispatch/internal/app/engine"
	"github.com/rutaops/dispatch/internal/app/live"
	"github.com/rutaops/dispatch/internal/app/storage"
	"github.com/rutaops/dispatch/internal/app/webhook"
	"github.com/rutaops/dispatch/pkg/logger"
	"github.com/rutaops/dispatch/pkg/metrics"
)

// handler bundles the HTTP endpoints of the core.
type handler struct {
	engine   *engine.Engine
	stores   storage.Stores
	sessions *auth.Manager
	hub      *live.Hub
	webhooks *webhook.Dispatcher
	log      *logger.Logger

	paymentWebhookSecret string
}

// Deps collects the handler's collaborators.
type Deps struct {
	Engine               *engine.Engine
	Stores               storage.Stores
	Sessions             *auth.Manager
	Hub                  *live.Hub
	Webhooks             *webhook.Dispatcher
	Log                  *logger.Logger
	PaymentWebhookSecret string
}

// NewHandler returns the API handler with auth and metrics applied.
func NewHandler(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = logger.NewDefault("http")
	}
	h := &handler{
		engine:               deps.Engine,
		stores:               deps.Stores,
		sessions:             deps.Sessions,
		hub:                  deps.Hub,
		webhooks:             deps.Webhooks,
		log:                  deps.Log,
		paymentWebhookSecret: deps.PaymentWebhookSecret,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", h.health)

	// auth
	mux.HandleFunc("POST /api/v1/auth/login", h.login)
	mux.HandleFunc("POST /api/v1/auth/refresh", h.refresh)
	mux.HandleFunc("POST /api/v1/auth/logout", h.logout)
	mux.HandleFunc("GET /api/v1/auth/me", h.me)

	// routes
	mux.HandleFunc("POST /api/v1/routes", h.createRoute)
	mux.HandleFunc("GET /api/v1/routes", h.listRoutes)
	mux.HandleFunc("POST /api/v1/routes/import", h.importRoute)
	mux.HandleFunc("GET /api/v1/routes/{id}", h.getRoute)
	mux.HandleFunc("DELETE /api/v1/routes/{id}", h.deleteRoute)
	mux.HandleFunc("POST /api/v1/routes/{id}/optimize", h.optimizeRoute)
	mux.HandleFunc("POST /api/v1/routes/{id}/send", h.sendRoute)
	mux.HandleFunc("POST /api/v1/routes/{id}/unsend", h.unsendRoute)
	mux.HandleFunc("POST /api/v1/routes/{id}/load", h.loadRoute)
	mux.HandleFunc("POST /api/v1/routes/{id}/start", h.startRoute)
	mux.HandleFunc("POST /api/v1/routes/{id}/pause", h.pauseRoute)
	mux.HandleFunc("POST /api/v1/routes/{id}/resume", h.resumeRoute)
	mux.HandleFunc("POST /api/v1/routes/{id}/complete", h.completeRoute)
	mux.HandleFunc("POST /api/v1/routes/{id}/location", h.updateLocation)
	mux.HandleFunc("GET /api/v1/routes/{id}/tracking", h.listTracking)
	mux.HandleFunc("GET /api/v1/routes/{id}/events", h.routeEvents)

	// stops
	mux.HandleFunc("POST /api/v1/routes/{id}/stops", h.addStop)
	mux.HandleFunc("POST /api/v1/routes/{id}/stops/reorder", h.reorderStops)
	mux.HandleFunc("POST /api/v1/routes/{id}/stops/{stopId}/in-transit", h.stopInTransit)
	mux.HandleFunc("POST /api/v1/routes/{id}/stops/{stopId}/complete", h.completeStop)

	// driver surface
	mux.HandleFunc("GET /api/v1/driver/routes", h.driverRoutes)

	// depots & addresses
	mux.HandleFunc("POST /api/v1/depots", h.createDepot)
	mux.HandleFunc("GET /api/v1/depots", h.listDepots)
	mux.HandleFunc("PUT /api/v1/depots/{id}", h.updateDepot)
	mux.HandleFunc("POST /api/v1/addresses", h.createAddress)
	mux.HandleFunc("GET /api/v1/addresses", h.listAddresses)
	mux.HandleFunc("PUT /api/v1/addresses/{id}", h.updateAddress)
	mux.HandleFunc("DELETE /api/v1/addresses/{id}", h.deleteAddress)

	// settings
	mux.HandleFunc("GET /api/v1/settings/{key}", h.getSetting)
	mux.HandleFunc("PUT /api/v1/settings/{key}", h.putSetting)
	mux.HandleFunc("POST /api/v1/settings/webhook/test", h.testWebhook)

	// payments
	mux.HandleFunc("POST /api/v1/payments/webhooks/verified", h.paymentVerified)

	var out http.Handler = mux
	out = wrapWithAuth(out, deps.Sessions)
	out = metrics.InstrumentHandler(out)
	return out
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
