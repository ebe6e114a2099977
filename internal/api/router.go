package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/figsettings/fig/internal/api/handlers"
	"github.com/figsettings/fig/internal/api/middleware"
	"github.com/figsettings/fig/internal/config"
	"github.com/figsettings/fig/internal/metrics"
	"github.com/figsettings/fig/pkg/contracts"
)

// NewRouter creates the HTTP router with all API routes. Client routes
// authenticate with the client secret; everything else sits behind the auth
// provider chain.
func NewRouter(cfg *config.Config, h *handlers.Handlers, chain contracts.AuthProviderChain, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.Caller)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id",
			middleware.HeaderClientSecret, middleware.HeaderIPAddress, middleware.HeaderHostname, middleware.HeaderMemoryUsage,
		},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	// Client-facing, authenticated by client secret.
	r.Post("/clients", h.RegisterClient)
	r.Get("/clients/{clientName}/settings", h.ReadSettings)
	r.Put("/statuses/{clientName}", h.Heartbeat)

	// Administration
	authMW := middleware.NewAuthMiddleware(chain, cfg.Auth.RequireAuth)
	r.Group(func(r chi.Router) {
		r.Use(authMW.Handler)

		r.Get("/clients", h.ListClients)
		r.Get("/clients/{clientName}", h.GetClient)
		r.Delete("/clients/{clientName}", h.DeleteClient)
		r.Put("/clients/{clientName}/settings", h.UpdateSettings)
		r.Get("/clients/{clientName}/settings/{settingName}/history", h.SettingHistory)
		r.Put("/clients/{clientName}/secret", h.ChangeSecret)
		r.Put("/clients/{clientName}/configuration", h.UpdateClientConfiguration)
		r.Put("/clients/{clientName}/verifications/{verificationName}", h.RunVerification)
		r.Get("/clients/{clientName}/verifications/{verificationName}/history", h.VerificationHistory)

		r.Get("/statuses", h.ListStatuses)
		r.Put("/statuses/{clientName}/sessions/{runSessionId}/configuration", h.ConfigureSession)

		r.Get("/events", h.ListAuditEvents)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy","service":"fig"}`))
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":"` + cfg.Version + `","service":"fig"}`))
	}
}
