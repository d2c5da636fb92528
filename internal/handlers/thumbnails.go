package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetThumbnail serves the cached console thumbnail for a VM. While the
// background worker has not captured one yet the endpoint answers 202 so
// clients keep polling instead of treating the VM as broken.
// GET /api/servers/{id}/vms/{moid}/thumbnail
func GetThumbnail(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}
	moid := chi.URLParam(r, "moid")

	e, ok := Thumbs.Get(srv.ID, moid)
	if !ok {
		writeError(w, http.StatusAccepted, "Thumbnail not captured yet")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Thumbnail-Hash", e.Hash)
	w.Header().Set("X-Thumbnail-Updated", e.UpdatedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(e.Data)))
	w.Write(e.Data)
}

// ThumbnailHashes returns moid -> MD5 for all cached thumbnails of a
// server, so clients can poll for changes without downloading images.
// GET /api/servers/{id}/thumbnails/hashes
func ThumbnailHashes(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hashes": Thumbs.Hashes(srv.ID),
	})
}
