package handlers

import (
	"net/http"

	"github.com/esxigate/esxigate/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	var serverCount int64
	if dbStatus == "connected" {
		database.DB.Model(&database.Server{}).Count(&serverCount)
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"database":   dbStatus,
		"servers":    serverCount,
		"thumbnails": Thumbs.Count(),
	})
}
