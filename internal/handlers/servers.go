package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/esxigate/esxigate/internal/database"
	"github.com/esxigate/esxigate/internal/logutil"
	"github.com/esxigate/esxigate/internal/vsphere"
)

const testConnectionTimeout = 15 * time.Second

type serverCreateRequest struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	VerifySSL bool   `json:"verify_ssl"`
	Enabled   *bool  `json:"enabled"`
}

type serverUpdateRequest struct {
	Name      *string `json:"name"`
	Host      *string `json:"host"`
	Port      *int    `json:"port"`
	Username  *string `json:"username"`
	Password  *string `json:"password"`
	VerifySSL *bool   `json:"verify_ssl"`
	Enabled   *bool   `json:"enabled"`
}

// loadServer fetches the server from the URL or writes a 404.
func loadServer(w http.ResponseWriter, r *http.Request) (*database.Server, bool) {
	id := chi.URLParam(r, "id")
	var srv database.Server
	if err := database.DB.First(&srv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Server not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Database error")
		}
		return nil, false
	}
	return &srv, true
}

// ListServers returns all registered servers.
// GET /api/servers
func ListServers(w http.ResponseWriter, r *http.Request) {
	var servers []database.Server
	if err := database.DB.Order("created_at").Find(&servers).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]database.Server{"servers": servers})
}

// CreateServer registers a new ESXi host and starts its refresh worker.
// POST /api/servers
func CreateServer(w http.ResponseWriter, r *http.Request) {
	var req serverCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" || req.Host == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, host, username and password are required")
		return
	}

	srv := database.Server{
		Name:      req.Name,
		Host:      req.Host,
		Port:      req.Port,
		Username:  req.Username,
		Password:  req.Password,
		VerifySSL: req.VerifySSL,
		Enabled:   req.Enabled == nil || *req.Enabled,
	}
	if err := database.DB.Create(&srv).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create server")
		return
	}

	if srv.Enabled {
		Refresher.StartTarget(srv.ID)
	}

	log.Printf("server %s (%s) registered", logutil.SanitizeForLog(srv.Name), logutil.SanitizeForLog(srv.Host))
	writeJSON(w, http.StatusCreated, srv)
}

// GetServer returns one server.
// GET /api/servers/{id}
func GetServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// UpdateServer changes a server's settings. Connection-affecting changes
// tear down the pooled endpoint so the next call reconnects with the new
// parameters.
// PUT /api/servers/{id}
func UpdateServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}

	var req serverUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.Name != nil {
		srv.Name = *req.Name
	}
	if req.Host != nil {
		srv.Host = *req.Host
	}
	if req.Port != nil {
		srv.Port = *req.Port
	}
	if req.Username != nil {
		srv.Username = *req.Username
	}
	if req.Password != nil {
		srv.Password = *req.Password
	}
	if req.VerifySSL != nil {
		srv.VerifySSL = *req.VerifySSL
	}
	if req.Enabled != nil {
		srv.Enabled = *req.Enabled
	}

	if err := database.DB.Save(srv).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update server")
		return
	}

	Gw.DropServer(r.Context(), srv.ID)
	if srv.Enabled {
		Refresher.StartTarget(srv.ID)
	} else {
		Refresher.StopTarget(srv.ID)
	}

	writeJSON(w, http.StatusOK, srv)
}

// DeleteServer removes a server and all state derived from it.
// DELETE /api/servers/{id}
func DeleteServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := loadServer(w, r)
	if !ok {
		return
	}

	Refresher.StopTarget(srv.ID)
	Refresher.Invalidate(srv.ID)
	Gw.DropServer(r.Context(), srv.ID)
	Thumbs.ClearTarget(srv.ID)

	if err := database.DB.Delete(&database.Server{}, "id = ?", srv.ID).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete server")
		return
	}

	log.Printf("server %s (%s) deleted", logutil.SanitizeForLog(srv.Name), logutil.SanitizeForLog(srv.Host))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// TestServer checks credentials without registering anything.
// POST /api/servers/test
func TestServer(w http.ResponseWriter, r *http.Request) {
	var req serverCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Host == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "host, username and password are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testConnectionTimeout)
	defer cancel()

	n, err := Gw.TestConnection(ctx, vsphere.Config{
		Host:      req.Host,
		Port:      req.Port,
		User:      req.Username,
		Password:  req.Password,
		VerifySSL: req.VerifySSL,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"vm_count": n,
	})
}
