package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steam-nexus/backend/internal/steam"
)

// StartResult is the synchronous answer to a create-session request.
// Success here means "a session object exists and is connecting", never
// a guaranteed logon: the real outcome is discovered asynchronously and
// surfaced through status broadcasts.
type StartResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// StartResult status values.
const (
	StartStatusRequires2FA = "REQUIRES_2FA"
	StartStatusSuccess     = "SUCCESS"
	StartStatusFailure     = "FAILURE"
)

// Store is the sole authority for session creation, lookup and
// teardown. Sessions are live objects: Get hands back the same
// *Session, whose flags are safe to read concurrently.
type Store struct {
	ctx     context.Context
	factory steam.Factory

	mu           sync.RWMutex
	sessions     map[string]*Session
	pumpInterval time.Duration
}

// NewStore builds a registry. ctx bounds the lifetime of every
// session's pump goroutine; cancelling it stops them all.
func NewStore(ctx context.Context, factory steam.Factory) *Store {
	return &Store{
		ctx:      ctx,
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for the credentials and starts its
// login cycle. Session creation itself always succeeds at this layer;
// the returned status tells the caller to expect a Steam Guard
// challenge next.
func (s *Store) Create(username, password string) StartResult {
	id := uuid.NewString()
	sess := New(id, username, password, s.factory())

	s.mu.Lock()
	if s.pumpInterval > 0 {
		sess.SetPumpInterval(s.pumpInterval)
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.Start(s.ctx)

	return StartResult{
		Success:   true,
		SessionID: id,
		Status:    StartStatusRequires2FA,
		Message:   "Session started. A Steam Guard code may be required.",
	}
}

// Get looks a session up by id. Absence is not an error; callers decide
// the 404 semantics.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove stops the session's pump, disconnects its client and discards
// the registry entry. Reports whether the id was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if ok {
		sess.Stop()
	}
	return ok
}

// Snapshot returns all live sessions as a copied slice so the
// broadcaster can iterate without blocking concurrent Create/Remove.
func (s *Store) Snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess)
	}
	return result
}

// Count is the number of registered sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ActiveCount is the number of sessions whose login cycle has not
// terminally failed.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sess := range s.sessions {
		if failed, _ := sess.Failed(); !failed {
			count++
		}
	}
	return count
}

// SetPumpInterval changes the pump cadence applied to sessions created
// from now on; running sessions keep theirs. Safe for the config
// reloader to call concurrently with Create.
func (s *Store) SetPumpInterval(d time.Duration) {
	s.mu.Lock()
	s.pumpInterval = d
	s.mu.Unlock()
}

// StopAll stops every session. Called on process shutdown.
func (s *Store) StopAll() {
	for _, sess := range s.Snapshot() {
		sess.Stop()
	}
}
