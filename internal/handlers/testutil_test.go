package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/esxigate/esxigate/internal/breaker"
	"github.com/esxigate/esxigate/internal/config"
	"github.com/esxigate/esxigate/internal/database"
	"github.com/esxigate/esxigate/internal/pool"
	"github.com/esxigate/esxigate/internal/queue"
	"github.com/esxigate/esxigate/internal/refresh"
	"github.com/esxigate/esxigate/internal/relay"
	"github.com/esxigate/esxigate/internal/thumbnail"
	"github.com/esxigate/esxigate/internal/vsphere"
)

type fakeGateway struct {
	mu        sync.Mutex
	vms       []vsphere.VM
	listErr   error
	stats     *vsphere.HostStats
	statsErr  error
	ticket    *vsphere.ConsoleTicket
	ticketErr error
	testCount int
	testErr   error
	dropped   []string
	resets    int
	breakerOK bool
	breaker   breaker.Snapshot
	poolOK    bool
	pool      pool.Stats
}

func (f *fakeGateway) ListVMs(ctx context.Context, serverID string, prio queue.Priority) ([]vsphere.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vms, f.listErr
}

func (f *fakeGateway) HostStats(ctx context.Context, serverID string, prio queue.Priority) (*vsphere.HostStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeGateway) ConsoleTicket(ctx context.Context, serverID, moid string) (*vsphere.ConsoleTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticket, f.ticketErr
}

func (f *fakeGateway) TestConnection(ctx context.Context, cfg vsphere.Config) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.testCount, f.testErr
}

func (f *fakeGateway) BreakerState(serverID string) (breaker.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breaker, f.breakerOK
}

func (f *fakeGateway) ResetBreaker(serverID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return true
}

func (f *fakeGateway) PoolStats(serverID string) (pool.Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool, f.poolOK
}

func (f *fakeGateway) DropServer(ctx context.Context, serverID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, serverID)
}

// nullFetcher keeps started workers harmless during handler tests.
type nullFetcher struct{}

func (nullFetcher) Instances(ctx context.Context, targetID string) ([]vsphere.VM, error) {
	return nil, nil
}

func (nullFetcher) HostStats(ctx context.Context, targetID string) (*vsphere.HostStats, error) {
	return &vsphere.HostStats{}, nil
}

func (nullFetcher) Screenshot(ctx context.Context, targetID, moid string) ([]byte, error) {
	return nil, nil
}

// setupAPI wires fresh dependencies and returns the router plus the fake
// gateway for assertions.
func setupAPI(t *testing.T) (*chi.Mux, *fakeGateway) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.Server{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	prevDB := database.DB
	database.DB = db

	fg := &fakeGateway{stats: &vsphere.HostStats{}}
	prevGw, prevRef, prevThumbs, prevSess, prevQueue := Gw, Refresher, Thumbs, Sessions, Queue
	Gw = fg
	Refresher = refresh.New(refresh.Config{
		CycleDelay:    time.Hour,
		BatchSize:     2,
		BatchDelayMin: time.Millisecond,
		BatchDelayMax: time.Second,
	}, nullFetcher{}, thumbnail.NewCache())
	Thumbs = thumbnail.NewCache()
	Sessions = relay.NewStore(180 * time.Second)
	Queue = queue.New(8, 0)

	prevTTL := config.Cfg.SessionTTL
	config.Cfg.SessionTTL = 180 * time.Second

	t.Cleanup(func() {
		Refresher.StopAll()
		database.DB = prevDB
		Gw, Refresher, Thumbs, Sessions, Queue = prevGw, prevRef, prevThumbs, prevSess, prevQueue
		config.Cfg.SessionTTL = prevTTL
	})

	r := chi.NewRouter()
	RegisterRoutes(r)
	return r, fg
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// createTestServer inserts a server row directly and returns its ID.
func createTestServer(t *testing.T, enabled bool) string {
	t.Helper()
	srv := database.Server{
		Name:     "lab",
		Host:     "esxi01.local",
		Username: "root",
		Password: "secret",
		Enabled:  enabled,
	}
	if err := database.DB.Create(&srv).Error; err != nil {
		t.Fatalf("create server row: %v", err)
	}
	return srv.ID
}
