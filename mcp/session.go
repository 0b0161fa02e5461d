package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nevindra/slackseek"
)

// sessionTTL is how long a session stays valid after initialize. Expired
// sessions are not silently re-created; the client must initialize again.
const sessionTTL = 24 * time.Hour

// sessionRatePerMinute bounds requests per session.
const sessionRatePerMinute = 60

// Session ties requests after initialize to an authenticated subject.
type Session struct {
	ID        string
	Subject   string // the accepted API key's prefix digest, for logs
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Sessions manages the session table and per-session request rates.
type Sessions struct {
	governor *slackseek.Governor
	now      func() time.Time

	mu    sync.Mutex
	table map[string]Session
}

// NewSessions creates an empty session table.
func NewSessions() *Sessions {
	return &Sessions{
		governor: slackseek.NewGovernor(
			slackseek.WithDefaultLimit("mcp", sessionRatePerMinute),
		),
		now:   time.Now,
		table: map[string]Session{},
	}
}

// Create registers a new 24-hour session for subject.
func (s *Sessions) Create(subject string) Session {
	now := s.now()
	sess := Session{
		ID:        uuid.NewString(),
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTTL),
	}
	s.mu.Lock()
	s.table[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get returns the live session with the given id. Expired sessions are
// removed and reported as absent.
func (s *Sessions) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.table[id]
	if !ok {
		return Session{}, false
	}
	if !s.now().Before(sess.ExpiresAt) {
		delete(s.table, id)
		s.governor.Forget("mcp", id)
		return Session{}, false
	}
	return sess, true
}

// Admit charges one request against the session's rate budget. Returns
// false when the session is over its per-minute limit.
func (s *Sessions) Admit(id string) bool {
	return s.governor.TryAcquire("mcp", id)
}

// Sweep runs periodic expiry of stale sessions until ctx is cancelled.
func (s *Sessions) Sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Sessions) expire() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	// Dropping the rate window with the session keeps the governor's table
	// bounded by the number of live sessions.
	for id, sess := range s.table {
		if !now.Before(sess.ExpiresAt) {
			delete(s.table, id)
			s.governor.Forget("mcp", id)
		}
	}
}
