package server

import (
	"sync"
	"time"

	"github.com/wolfeidau/media-cache/accounting"
)

// DefaultSessionIdleTimeout is how long a session may go without requests
// before it is closed.
const DefaultSessionIdleTimeout = 30 * time.Minute

type trackedSession struct {
	session  *accounting.Session
	lastSeen time.Time
}

// sessionRegistry holds the playback sessions created over HTTP.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	now      func() time.Time
}

func newSessionRegistry(now func() time.Time) *sessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &sessionRegistry{
		sessions: make(map[string]*trackedSession),
		now:      now,
	}
}

func (r *sessionRegistry) add(id string, s *accounting.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &trackedSession{session: s, lastSeen: r.now()}
}

// get returns the session and refreshes its idle timer.
func (r *sessionRegistry) get(id string) (*accounting.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	ts.lastSeen = r.now()
	return ts.session, true
}

// remove closes and forgets the session. It reports whether it existed.
func (r *sessionRegistry) remove(id string) bool {
	r.mu.Lock()
	ts, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		ts.session.Close()
	}
	return ok
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// closeIdle closes every session not seen for longer than maxIdle and
// returns how many were closed.
func (r *sessionRegistry) closeIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var idle []*accounting.Session
	for id, ts := range r.sessions {
		if ts.lastSeen.Before(cutoff) {
			idle = append(idle, ts.session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	return len(idle)
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*trackedSession)
	r.mu.Unlock()

	for _, ts := range sessions {
		ts.session.Close()
	}
}
