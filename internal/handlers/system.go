package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/esxigate/esxigate/internal/breaker"
	"github.com/esxigate/esxigate/internal/logging"
)

// ServerLogs returns the tail of the service log file.
// GET /api/system/logs?lines=n
func ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 10000")
			return
		}
		lines = n
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

// QueueStats reports admission queue counters.
// GET /api/system/queue
func QueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Queue.Stats())
}

// RefreshStats reports per-target background refresh progress.
// GET /api/system/background-refresh
func RefreshStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"targets": Refresher.Stats(),
	})
}

// InvalidateCache drops cached inventory, either for one server or for all.
// POST /api/system/background-refresh/invalidate
func InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerID string `json:"server_id"`
	}
	// An empty body means invalidate everything.
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	if req.ServerID != "" {
		Refresher.Invalidate(req.ServerID)
	} else {
		Refresher.InvalidateAll()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// BreakerStatus reports the circuit breaker protecting one server. Servers
// that have not been called yet report a closed breaker.
// GET /api/servers/{id}/breaker
func BreakerStatus(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}

	if snap, ok := Gw.BreakerState(srv.ID); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(breaker.Closed)})
}

// ResetBreaker manually closes a server's breaker.
// POST /api/servers/{id}/breaker/reset
func ResetBreaker(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}
	Gw.ResetBreaker(srv.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// PoolStatus reports connection pool counters for one server.
// GET /api/servers/{id}/pool
func PoolStatus(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}

	if stats, ok := Gw.PoolStats(srv.ID); ok {
		writeJSON(w, http.StatusOK, stats)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total_connections": 0})
}
