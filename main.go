package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/esxigate/esxigate/internal/config"
	"github.com/esxigate/esxigate/internal/database"
	"github.com/esxigate/esxigate/internal/gateway"
	"github.com/esxigate/esxigate/internal/handlers"
	"github.com/esxigate/esxigate/internal/logging"
	"github.com/esxigate/esxigate/internal/queue"
	"github.com/esxigate/esxigate/internal/refresh"
	"github.com/esxigate/esxigate/internal/relay"
	"github.com/esxigate/esxigate/internal/thumbnail"
	"github.com/esxigate/esxigate/internal/vsphere"
)

// dbServerSource resolves server IDs to connection parameters from the
// registry. Disabled servers never connect.
type dbServerSource struct{}

func (dbServerSource) Lookup(id string) (vsphere.Config, error) {
	var srv database.Server
	if err := database.DB.First(&srv, "id = ?", id).Error; err != nil {
		return vsphere.Config{}, fmt.Errorf("server %s: %w", id, err)
	}
	if !srv.Enabled {
		return vsphere.Config{}, fmt.Errorf("server %s is disabled", srv.Name)
	}
	return vsphere.Config{
		Host:      srv.Host,
		Port:      srv.Port,
		User:      srv.Username,
		Password:  srv.Password,
		VerifySSL: srv.VerifySSL,
	}, nil
}

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: MaxConcurrent=%d, PoolSize=%d, CycleDelay=%s",
		config.Cfg.MaxConcurrent, config.Cfg.PoolSize, config.Cfg.CycleDelay)

	admission := queue.New(config.Cfg.MaxConcurrent, config.Cfg.MinInterval)
	gw := gateway.New(admission, dbServerSource{}, gateway.Options{
		PoolSize:            config.Cfg.PoolSize,
		ConnectionTTL:       config.Cfg.ConnectionTTL,
		FailureThreshold:    config.Cfg.FailureThreshold,
		RecoveryTimeout:     config.Cfg.RecoveryTimeout,
		SuccessThreshold:    config.Cfg.SuccessThreshold,
		RequeueStaleHandles: config.Cfg.RequeueStaleHandles,
	})

	thumbs := thumbnail.NewCache()
	refresher := refresh.New(refresh.Config{
		CycleDelay:    config.Cfg.CycleDelay,
		BatchSize:     config.Cfg.BatchSize,
		BatchDelayMin: config.Cfg.BatchDelayMin,
		BatchDelayMax: config.Cfg.BatchDelayMax,
	}, gateway.BackgroundFetcher{Gateway: gw}, thumbs)

	sessions := relay.NewStore(config.Cfg.SessionTTL)
	consoleRelay := relay.New(sessions)

	handlers.Gw = gw
	handlers.Refresher = refresher
	handlers.Thumbs = thumbs
	handlers.Sessions = sessions
	handlers.Queue = admission
	handlers.ConsoleRelay = consoleRelay

	// Expired console sessions are swept periodically; claimed sessions are
	// removed at claim time.
	sweeper := cron.New()
	sweeper.AddFunc("@every 1m", func() {
		if n := sessions.SweepExpired(); n > 0 {
			log.Printf("console sessions: swept %d expired", n)
		}
	})
	sweeper.Start()

	// Start refresh workers for every enabled server.
	var servers []database.Server
	if err := database.DB.Where("enabled = ?", true).Find(&servers).Error; err != nil {
		log.Printf("WARNING: load servers: %v", err)
	}
	for _, srv := range servers {
		refresher.StartTarget(srv.ID)
	}
	log.Printf("Background refresh started for %d server(s)", len(servers))

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	handlers.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	refresher.StopAll()
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gw.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
