// Package relay bridges browser WebSocket connections to the WebMKS console
// endpoint on an ESXi host. The service terminates the browser side, dials
// the hypervisor with the ticket acquired earlier, and pumps frames verbatim
// in both directions until either side closes.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const (
	// readLimit accommodates large framebuffer updates.
	readLimit = 4 * 1024 * 1024

	dialTimeout = 10 * time.Second
)

// Relay serves console WebSocket connections against a session Store.
type Relay struct {
	store *Store

	// scheme is "wss" in production; tests point it at a plain ws server.
	scheme string
}

// New creates a Relay backed by store.
func New(store *Store) *Relay {
	return &Relay{store: store, scheme: "wss"}
}

func (rl *Relay) upstreamURL(s *Session) string {
	return fmt.Sprintf("%s://%s:%d/ticket/%s", rl.scheme, s.Host, s.Port, s.Ticket)
}

// HandleConsole upgrades the request and relays it to the hypervisor
// console endpoint named by the session.
// GET /ws/console/{sessionID}
func (rl *Relay) HandleConsole(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, ok := rl.store.Claim(sessionID)
	if !ok {
		http.Error(w, "Unknown or expired console session", http.StatusNotFound)
		return
	}

	// Accept with the client's requested subprotocol
	requestedProtocol := r.Header.Get("Sec-WebSocket-Protocol")
	var subprotocols []string
	if requestedProtocol != "" {
		subprotocols = strings.Split(requestedProtocol, ", ")
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       subprotocols,
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("relay: accept console websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	ctx := r.Context()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	wsURL := rl.upstreamURL(sess)
	// WebMKS refuses connections without the binary subprotocol and an
	// Origin header.
	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{"binary"},
		HTTPHeader: http.Header{
			"Origin": []string{fmt.Sprintf("https://%s", sess.Host)},
		},
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				// ESXi hosts serve self-signed certificates.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}

	upstreamConn, _, err := websocket.Dial(dialCtx, wsURL, dialOpts)
	if err != nil {
		log.Printf("relay: connect console websocket for vm %s: %v", sess.MOID, err)
		clientConn.Close(4502, "Cannot connect to console")
		return
	}
	defer upstreamConn.CloseNow()

	clientConn.SetReadLimit(readLimit)
	upstreamConn.SetReadLimit(readLimit)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Browser -> console
	go func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := upstreamConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	// Console -> browser
	func() {
		defer relayCancel()
		for {
			msgType, data, err := upstreamConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := clientConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	clientConn.Close(websocket.StatusNormalClosure, "")
	upstreamConn.Close(websocket.StatusNormalClosure, "")
}
