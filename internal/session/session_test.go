package session

import (
	"testing"
	"time"

	"github.com/BlackBearCC/mbti-gateway/internal/auth"
)

func TestSession_AuthStateMachine(t *testing.T) {
	s := New(NewID())
	if s.State() != Unauthenticated {
		t.Fatalf("initial state = %q", s.State())
	}

	if n := s.RecordAuthFailure(); n != 1 {
		t.Errorf("failure count = %d, want 1", n)
	}
	if s.State() != Rejected {
		t.Errorf("state after failure = %q, want rejected", s.State())
	}

	// A later successful auth recovers from rejected and resets the count.
	s.Authenticate(auth.Identity{Subject: "alice"})
	if s.State() != Authenticated {
		t.Errorf("state = %q, want authenticated", s.State())
	}
	if s.Identity().Subject != "alice" {
		t.Errorf("Subject = %q", s.Identity().Subject)
	}

	// Failures after authentication do not demote the session.
	s.RecordAuthFailure()
	if s.State() != Authenticated {
		t.Errorf("state = %q, authenticated session was demoted", s.State())
	}
}

func TestSession_FailureCountResetOnAuth(t *testing.T) {
	s := New(NewID())
	s.RecordAuthFailure()
	s.RecordAuthFailure()
	s.Authenticate(auth.Identity{Subject: "alice"})

	if n := s.RecordAuthFailure(); n != 1 {
		t.Errorf("failure count = %d, want reset to 1", n)
	}
}

func TestSession_Rooms(t *testing.T) {
	s := New(NewID())

	if !s.JoinRoom("r1") {
		t.Error("first join reported duplicate")
	}
	if s.JoinRoom("r1") {
		t.Error("duplicate join reported fresh")
	}
	s.JoinRoom("r2")

	if got := len(s.Rooms()); got != 2 {
		t.Fatalf("rooms = %d, want 2", got)
	}

	if !s.LeaveRoom("r1") {
		t.Error("leave of joined room reported absent")
	}
	if s.LeaveRoom("r1") {
		t.Error("leave of absent room reported joined")
	}
}

func TestSession_Touch(t *testing.T) {
	s := New(NewID())
	before := s.LastActive()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	if !s.LastActive().After(before) {
		t.Error("Touch did not advance LastActive")
	}
}

func TestNewID_Unique(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b || a == "" {
		t.Errorf("ids not unique: %q, %q", a, b)
	}
}

// fakeConn implements Connection for supervisor tests.
type fakeConn struct {
	id         string
	lastActive time.Time

	shutdowns chan string
}

func newFakeConn(id string, lastActive time.Time) *fakeConn {
	return &fakeConn{id: id, lastActive: lastActive, shutdowns: make(chan string, 1)}
}

func (c *fakeConn) ID() string            { return c.id }
func (c *fakeConn) LastActive() time.Time { return c.lastActive }
func (c *fakeConn) Shutdown(reason string) {
	select {
	case c.shutdowns <- reason:
	default:
	}
}

func TestSupervisor_AddRemove(t *testing.T) {
	s := NewSupervisor(time.Minute)
	c := newFakeConn("c1", time.Now())

	s.Add(c)
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}
	s.Remove("c1")
	s.Remove("c1") // second removal is a no-op
	if s.Count() != 0 {
		t.Fatalf("Count = %d, want 0", s.Count())
	}
}

func TestSupervisor_SweepEvictsIdle(t *testing.T) {
	s := NewSupervisor(time.Minute)
	idle := newFakeConn("idle", time.Now().Add(-2*time.Minute))
	active := newFakeConn("active", time.Now())
	s.Add(idle)
	s.Add(active)

	s.sweep(time.Now())

	select {
	case reason := <-idle.shutdowns:
		if reason == "" {
			t.Error("empty shutdown reason")
		}
	default:
		t.Fatal("idle connection not shut down")
	}
	select {
	case <-active.shutdowns:
		t.Fatal("active connection shut down")
	default:
	}
}

func TestSupervisor_StopShutsDownRemaining(t *testing.T) {
	s := NewSupervisor(time.Minute)
	c := newFakeConn("c1", time.Now())
	s.Add(c)

	s.Stop()
	s.Stop() // idempotent

	select {
	case <-c.shutdowns:
	default:
		t.Fatal("Stop did not shut down remaining connection")
	}
}
