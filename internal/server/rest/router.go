package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the SentinelIQ API.
//
// Route layout:
//
//	GET  /healthz                                  – liveness probe (no auth)
//	POST /api/activities/ingest                    – agent event ingest (no auth)
//	GET  /api/users/{userID}                       – agent startup handshake (no auth)
//	GET  /api/users                                – list monitored users
//	GET  /api/users/{userID}/activities            – activity window
//	GET  /api/users/{userID}/historical-its        – daily ITS snapshots
//	GET  /api/dashboard/stats                      – landing-page aggregates
//	GET  /api/alerts                               – dashboard alerts
//	POST /api/alerts/{alertID}/view                – mark read
//	POST /api/alerts/{alertID}/convert-to-incident – manual promotion
//	GET  /api/threats                              – Tier-2 records
//	POST /api/threats/{threatID}/escalate          – manual promotion
//	PATCH /api/threats/{threatID}/status           – triage transition
//	GET  /api/incidents                            – Tier-3 records
//	PATCH /api/incidents/{incidentID}/status       – triage transition
//	POST /api/incidents/{incidentID}/resolve       – close with notes
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on the
// dashboard routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting). The agent-facing ingest
// and handshake routes are always unauthenticated; deployments isolate them
// at the network layer.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		// Agent-facing routes.
		r.Post("/activities/ingest", srv.handleIngest)
		r.Get("/users/{userID}", srv.handleGetUser)

		// Dashboard routes.
		r.Group(func(r chi.Router) {
			if pubKey != nil {
				r.Use(JWTMiddleware(JWTConfig{PublicKey: pubKey}))
			}

			r.Get("/users", srv.handleListUsers)
			r.Get("/users/{userID}/activities", srv.handleUserActivities)
			r.Get("/users/{userID}/historical-its", srv.handleUserHistory)
			r.Get("/dashboard/stats", srv.handleDashboardStats)

			r.Get("/alerts", srv.handleListAlerts)
			r.Post("/alerts/{alertID}/view", srv.handleMarkAlertViewed)
			r.Post("/alerts/{alertID}/convert-to-incident", srv.handleConvertAlert)

			r.Get("/threats", srv.handleListThreats)
			r.Post("/threats/{threatID}/escalate", srv.handleEscalateThreat)
			r.Patch("/threats/{threatID}/status", srv.handleThreatStatus)

			r.Get("/incidents", srv.handleListIncidents)
			r.Patch("/incidents/{incidentID}/status", srv.handleIncidentStatus)
			r.Post("/incidents/{incidentID}/resolve", srv.handleResolveIncident)
		})
	})

	return r
}
