// store.go holds pending console sessions. A session is created when a
// client requests console access (carrying the freshly acquired WebMKS
// ticket) and consumed exactly once when the WebSocket connection arrives.
// Unclaimed sessions expire after a short TTL, matching the ticket's own
// lifetime on the ESXi side.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/esxigate/esxigate/internal/vsphere"
)

// Session is a one-shot console connection authorization.
type Session struct {
	ID        string
	TargetID  string
	MOID      string
	Ticket    string
	Host      string
	Port      int
	CreatedAt time.Time
}

// Store is a thread-safe single-use session registry.
type Store struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	nowFunc func() time.Time
}

// NewStore creates a Store whose sessions expire after ttl.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		nowFunc:  time.Now,
	}
}

// Create registers a session for the given ticket and returns it. The
// session ID is the only credential a client needs to open the console
// WebSocket.
func (s *Store) Create(targetID, moid string, ticket *vsphere.ConsoleTicket) *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		MOID:      moid,
		Ticket:    ticket.Ticket,
		Host:      ticket.Host,
		Port:      ticket.Port,
		CreatedAt: s.nowFunc(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Claim removes and returns the session with the given ID. A session can be
// claimed only once; expired sessions cannot be claimed.
func (s *Store) Claim(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	delete(s.sessions, id)

	if s.nowFunc().Sub(sess.CreatedAt) > s.ttl {
		return nil, false
	}
	return sess, true
}

// SweepExpired drops sessions past their TTL and returns how many were
// removed.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of pending sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
