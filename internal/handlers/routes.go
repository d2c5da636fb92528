package handlers

import (
	"github.com/go-chi/chi/v5"

	"github.com/esxigate/esxigate/internal/relay"
)

// ConsoleRelay serves the console WebSocket endpoint. Assigned by main
// alongside the other dependencies.
var ConsoleRelay *relay.Relay

// RegisterRoutes mounts the full API surface on r.
func RegisterRoutes(r chi.Router) {
	r.Get("/api/health", HealthCheck)

	r.Route("/api/system", func(r chi.Router) {
		r.Get("/queue", QueueStats)
		r.Get("/logs", ServerLogs)
		r.Get("/background-refresh", RefreshStats)
		r.Post("/background-refresh/invalidate", InvalidateCache)
	})

	r.Route("/api/servers", func(r chi.Router) {
		r.Get("/", ListServers)
		r.Post("/", CreateServer)
		r.Post("/test", TestServer)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", GetServer)
			r.Put("/", UpdateServer)
			r.Delete("/", DeleteServer)

			r.Get("/vms", ListServerVMs)
			r.Get("/stats", ServerStats)
			r.Get("/breaker", BreakerStatus)
			r.Post("/breaker/reset", ResetBreaker)
			r.Get("/pool", PoolStatus)
			r.Get("/thumbnails/hashes", ThumbnailHashes)

			r.Post("/vms/{moid}/console", CreateConsoleSession)
			r.Get("/vms/{moid}/thumbnail", GetThumbnail)
		})
	})

	if ConsoleRelay != nil {
		r.Get("/ws/console/{sessionID}", ConsoleRelay.HandleConsole)
	}
}
