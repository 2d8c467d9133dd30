// Package session holds per-connection logical state and the supervisor
// that owns the set of live connections for this process.
package session

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/BlackBearCC/mbti-gateway/internal/auth"
)

// AuthState is the authentication state of a session.
type AuthState string

const (
	Unauthenticated AuthState = "unauthenticated"
	Authenticated   AuthState = "authenticated"
	Rejected        AuthState = "rejected"
)

// NewID returns a fresh connection identifier.
func NewID() string {
	return ulid.Make().String()
}

// Session is the logical state bound 1:1 to a connection. All mutation goes
// through methods; operations from the same connection are already
// serialized by the read loop, the lock guards cross-goroutine reads
// (supervisor sweep, broadcaster).
type Session struct {
	mu sync.Mutex

	id           string
	identity     auth.Identity
	state        AuthState
	rooms        map[string]struct{}
	lastActive   time.Time
	authFailures int
}

// New creates an unauthenticated session for connection id.
func New(id string) *Session {
	return &Session{
		id:         id,
		state:      Unauthenticated,
		rooms:      make(map[string]struct{}),
		lastActive: time.Now(),
	}
}

// ID returns the connection id this session is bound to.
func (s *Session) ID() string { return s.id }

// State returns the authentication state.
func (s *Session) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated identity; zero before authentication.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Authenticate transitions to Authenticated. Room membership is unaffected;
// there is no path back to Unauthenticated.
func (s *Session) Authenticate(identity auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.state = Authenticated
	s.authFailures = 0
}

// RecordAuthFailure marks a failed auth attempt and returns the running
// count, so the caller can close the connection past its retry budget.
func (s *Session) RecordAuthFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Authenticated {
		s.state = Rejected
	}
	s.authFailures++
	return s.authFailures
}

// Touch refreshes the last-activity time.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// LastActive returns the last-activity time.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// JoinRoom records membership. Returns false if already joined.
func (s *Session) JoinRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

// LeaveRoom removes membership. Returns false if not a member.
func (s *Session) LeaveRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

// Rooms returns a copy of the joined room set.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}
