package handlers

import (
	"net/http"
	"testing"

	"github.com/esxigate/esxigate/internal/vsphere"
)

func TestCreateConsoleSession(t *testing.T) {
	router, fg := setupAPI(t)
	id := createTestServer(t, true)

	fg.mu.Lock()
	fg.ticket = &vsphere.ConsoleTicket{Ticket: "tkt-1", Host: "esxi01.local", Port: 902}
	fg.mu.Unlock()

	rec := doJSON(t, router, http.MethodPost, "/api/servers/"+id+"/vms/vm-1/console", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		SessionID string `json:"session_id"`
		WSPath    string `json:"ws_path"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeBody(t, rec, &resp)
	if resp.SessionID == "" || resp.WSPath != "/ws/console/"+resp.SessionID {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ExpiresIn != 180 {
		t.Errorf("expires_in = %d, want 180", resp.ExpiresIn)
	}

	sess, ok := Sessions.Claim(resp.SessionID)
	if !ok {
		t.Fatal("session not registered in store")
	}
	if sess.Ticket != "tkt-1" || sess.Host != "esxi01.local" || sess.Port != 902 {
		t.Errorf("session = %+v", sess)
	}
}

func TestCreateConsoleSession_HostFallback(t *testing.T) {
	router, fg := setupAPI(t)
	id := createTestServer(t, true)

	// Ticket without host/port: the server's own address serves the socket.
	fg.mu.Lock()
	fg.ticket = &vsphere.ConsoleTicket{Ticket: "tkt-2"}
	fg.mu.Unlock()

	rec := doJSON(t, router, http.MethodPost, "/api/servers/"+id+"/vms/vm-1/console", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, rec, &resp)
	sess, ok := Sessions.Claim(resp.SessionID)
	if !ok {
		t.Fatal("session not registered")
	}
	if sess.Host != "esxi01.local" || sess.Port != 443 {
		t.Errorf("session fallback = host %q port %d, want esxi01.local:443", sess.Host, sess.Port)
	}
}

func TestCreateConsoleSession_NotFoundVM(t *testing.T) {
	router, fg := setupAPI(t)
	id := createTestServer(t, true)

	fg.mu.Lock()
	fg.ticketErr = &vsphere.NotFoundError{MOID: "vm-9"}
	fg.mu.Unlock()

	rec := doJSON(t, router, http.MethodPost, "/api/servers/"+id+"/vms/vm-9/console", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCreateConsoleSession_DisabledServer(t *testing.T) {
	router, _ := setupAPI(t)
	id := createTestServer(t, false)

	rec := doJSON(t, router, http.MethodPost, "/api/servers/"+id+"/vms/vm-1/console", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}
