package api

import (
	"github.com/go-chi/chi/v5"
)

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(securityHeaders(s.deps.HSTSDisable))

	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/snapshots/{tankId}", s.handleSnapshot)
		r.Get("/tanks", s.handleTanks)

		r.Get("/enable", s.handleGetEnableMap)
		r.Post("/enable", s.requireAuth(s.handleSetEnableMap))

		r.Get("/alarms/thresholds", s.handleGetThresholds)
		r.Post("/alarms/thresholds", s.requireAuth(s.handleSetThresholds))

		r.Get("/logs/query", s.handleLogQuery)
		r.Get("/logs/files", s.handleLogFiles)
		r.Get("/logs/download", s.handleLogDownload)

		r.Get("/connectivity", s.handleConnectivity)
		r.Get("/co2/{tankId}", s.handleCO2)

		r.Post("/tanks/{tankId}/points/{point}/write", s.requireAuth(s.handlePointWrite))
	})

	return r
}
