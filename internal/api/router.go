// Package api assembles the HTTP router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/api/handlers"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/api/middleware"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/metrics"
)

// Deps carries the wired handlers the router mounts.
type Deps struct {
	Sync     *handlers.SyncHandler
	Relay    *handlers.RelayHandler
	Status   *handlers.StatusHandler
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

// NewRouter builds the service router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.Log))
	r.Use(middleware.Recovery(d.Log))

	r.Post("/sync", d.Sync.TriggerSync)
	r.Post("/twilio/sms", d.Relay.TwilioSMS)
	r.Post("/code", d.Relay.SubmitCode)
	r.Get("/health", d.Status.Health)
	r.Get("/screenshot", d.Status.Screenshot)

	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Gatherer))
	}

	return r
}
