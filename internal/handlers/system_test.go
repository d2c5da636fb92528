package handlers

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"testing"

	"github.com/esxigate/esxigate/internal/breaker"
)

func TestHealthCheck(t *testing.T) {
	router, _ := setupAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "healthy" || resp.Database != "connected" {
		t.Errorf("health = %+v", resp)
	}
}

func TestQueueStats(t *testing.T) {
	router, _ := setupAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/system/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		MaxConcurrent int `json:"max_concurrent"`
	}
	decodeBody(t, rec, &resp)
	if resp.MaxConcurrent != 8 {
		t.Errorf("max_concurrent = %d, want 8", resp.MaxConcurrent)
	}
}

func TestRefreshStatsAndInvalidate(t *testing.T) {
	router, _ := setupAPI(t)
	id := createTestServer(t, true)
	Refresher.StartTarget(id)

	rec := doJSON(t, router, http.MethodGet, "/api/system/background-refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Targets map[string]struct {
			Running bool `json:"running"`
		} `json:"targets"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Targets[id].Running {
		t.Errorf("targets = %+v, want %s running", resp.Targets, id)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/system/background-refresh/invalidate", map[string]string{
		"server_id": id,
	})
	if rec.Code != http.StatusOK {
		t.Errorf("invalidate status = %d", rec.Code)
	}

	// Whole-cache invalidation with an empty body.
	rec = doJSON(t, router, http.MethodPost, "/api/system/background-refresh/invalidate", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("invalidate-all status = %d", rec.Code)
	}
}

func TestBreakerStatus(t *testing.T) {
	router, fg := setupAPI(t)
	id := createTestServer(t, true)

	// No endpoint yet: reported closed.
	rec := doJSON(t, router, http.MethodGet, "/api/servers/"+id+"/breaker", nil)
	var resp struct {
		State string `json:"state"`
	}
	decodeBody(t, rec, &resp)
	if resp.State != "closed" {
		t.Errorf("state = %q, want closed", resp.State)
	}

	fg.mu.Lock()
	fg.breakerOK = true
	fg.breaker = breaker.Snapshot{State: breaker.Open, FailureCount: 5}
	fg.mu.Unlock()

	rec = doJSON(t, router, http.MethodGet, "/api/servers/"+id+"/breaker", nil)
	decodeBody(t, rec, &resp)
	if resp.State != "open" {
		t.Errorf("state = %q, want open", resp.State)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/servers/"+id+"/breaker/reset", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("reset status = %d", rec.Code)
	}
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if fg.resets != 1 {
		t.Errorf("resets = %d, want 1", fg.resets)
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 9, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestGetThumbnail(t *testing.T) {
	router, _ := setupAPI(t)
	id := createTestServer(t, true)

	// Not captured yet: 202 tells the client to poll again.
	rec := doJSON(t, router, http.MethodGet, "/api/servers/"+id+"/vms/vm-1/thumbnail", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 before capture", rec.Code)
	}

	Thumbs.Store(id, "vm-1", testPNG(t))

	rec = doJSON(t, router, http.MethodGet, "/api/servers/"+id+"/vms/vm-1/thumbnail", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	if rec.Header().Get("X-Thumbnail-Hash") == "" {
		t.Error("missing X-Thumbnail-Hash header")
	}
	if rec.Body.Len() == 0 {
		t.Error("empty thumbnail body")
	}
}

func TestThumbnailHashes(t *testing.T) {
	router, _ := setupAPI(t)
	id := createTestServer(t, true)

	Thumbs.Store(id, "vm-1", testPNG(t))
	Thumbs.Store(id, "vm-2", testPNG(t))

	rec := doJSON(t, router, http.MethodGet, "/api/servers/"+id+"/thumbnails/hashes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Hashes map[string]string `json:"hashes"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Hashes) != 2 || resp.Hashes["vm-1"] == "" {
		t.Errorf("hashes = %+v", resp.Hashes)
	}
}
