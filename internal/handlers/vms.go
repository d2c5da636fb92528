package handlers

import (
	"errors"
	"net/http"

	"github.com/esxigate/esxigate/internal/breaker"
	"github.com/esxigate/esxigate/internal/queue"
	"github.com/esxigate/esxigate/internal/vsphere"
)

// writeUpstreamError maps a hypervisor failure to an HTTP status: an open
// breaker means the host is known-bad and callers should back off.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	var nf *vsphere.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

// ListServerVMs returns the VM inventory for a server, served from the
// refresh cache when possible. Stale data is returned together with the
// last fetch error instead of failing the request.
// GET /api/servers/{id}/vms
func ListServerVMs(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}

	if snap, ok := Refresher.CachedInstances(srv.ID); ok {
		resp := map[string]interface{}{
			"vms":       snap.VMs,
			"cache_age": snap.CacheAge,
		}
		if snap.Error != "" {
			resp["error"] = snap.Error
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// Cold cache: fetch live at interactive priority.
	vms, err := Gw.ListVMs(r.Context(), srv.ID, queue.High)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vms":       vms,
		"cache_age": 0,
	})
}

// ServerStats returns host resource stats for a server, cache first.
// GET /api/servers/{id}/stats
func ServerStats(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}

	if snap, ok := Refresher.CachedStats(srv.ID); ok && snap.Stats != nil {
		resp := map[string]interface{}{
			"cpu":        snap.Stats.CPU,
			"memory":     snap.Stats.Memory,
			"datastores": snap.Stats.Datastores,
			"cache_age":  snap.CacheAge,
		}
		if snap.Error != "" {
			resp["error"] = snap.Error
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	stats, err := Gw.HostStats(r.Context(), srv.ID, queue.High)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cpu":        stats.CPU,
		"memory":     stats.Memory,
		"datastores": stats.Datastores,
		"cache_age":  0,
	})
}
