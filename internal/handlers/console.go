package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/esxigate/esxigate/internal/config"
)

// CreateConsoleSession acquires a WebMKS ticket for a VM and registers a
// single-use relay session for it. The client connects to the returned
// WebSocket path within the session TTL.
// POST /api/servers/{id}/vms/{moid}/console
func CreateConsoleSession(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}
	if !srv.Enabled {
		writeError(w, http.StatusConflict, "Server is disabled")
		return
	}
	moid := chi.URLParam(r, "moid")

	ticket, err := Gw.ConsoleTicket(r.Context(), srv.ID, moid)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	// ESXi may omit the console host/port from the ticket, in which case
	// the issuing host serves the socket itself.
	if ticket.Host == "" {
		ticket.Host = srv.Host
	}
	if ticket.Port == 0 {
		ticket.Port = 443
	}

	sess := Sessions.Create(srv.ID, moid, ticket)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"ws_path":    "/ws/console/" + sess.ID,
		"expires_in": int(config.Cfg.SessionTTL.Seconds()),
	})
}
