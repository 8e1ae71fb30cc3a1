// Package session multiplexes live protocol connections: one registry of
// sessions, a manager driving connect/pair/disconnect, and the bounded
// message cache answering protocol resend queries.
package session

import (
	"sync"
	"sync/atomic"

	apperrors "github.com/nexustechpro/nexusbot-sub001/internal/errors"
	"github.com/nexustechpro/nexusbot-sub001/internal/metrics"
	"github.com/nexustechpro/nexusbot-sub001/internal/transport"
)

// Callbacks are the per-session hooks surfaced to the plugin layer. Each
// is optional; terminal hooks fire at most once per connection attempt.
type Callbacks struct {
	OnPairingCode  func(code string)
	OnConnected    func(sessionID string)
	OnError        func(err error)
	OnDisconnected func(cause *apperrors.ClassifiedDisconnect)
}

// session is one registered session's live state.
type session struct {
	id     string
	userID string

	callbacks Callbacks

	mu   sync.Mutex
	conn transport.Conn

	// terminal guards against a transport double-firing its terminal
	// callback: OnConnected or OnError fires once per attempt.
	terminal atomic.Bool
}

// setConn swaps in a new live connection, closing any previous one, and
// re-arms the terminal guard for the new attempt.
func (s *session) setConn(c transport.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = c
	s.mu.Unlock()

	s.terminal.Store(false)

	if old != nil {
		_ = old.Close("superseded")
	}
}

func (s *session) current() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn
}

// fireConnected delivers OnConnected unless a terminal callback already
// fired for this attempt.
func (s *session) fireConnected() {
	if s.terminal.Swap(true) {
		return
	}

	if s.callbacks.OnConnected != nil {
		s.callbacks.OnConnected(s.id)
	}
}

// fireError delivers OnError unless a terminal callback already fired.
func (s *session) fireError(err error) {
	if s.terminal.Swap(true) {
		return
	}

	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}

// Registry owns the session table and enforces the concurrent-session cap.
type Registry struct {
	max     int
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry builds a registry capped at max concurrent sessions.
func NewRegistry(max int, m *metrics.Metrics) *Registry {
	return &Registry{
		max:      max,
		metrics:  m,
		sessions: make(map[string]*session),
	}
}

// add registers a session, rejecting it when the cap is reached or the id
// is already present.
func (r *Registry) add(s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.id]; exists {
		return apperrors.ErrPairingInProgress
	}

	if len(r.sessions) >= r.max {
		return apperrors.ErrCapacityExceeded
	}

	r.sessions[s.id] = s
	r.metrics.SetSessions(len(r.sessions))

	return nil
}

func (r *Registry) get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]

	return s, ok
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	r.metrics.SetSessions(len(r.sessions))
}

// IDs returns the registered session ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}

	return ids
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
