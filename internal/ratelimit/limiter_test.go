package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failingStore simulates an unreachable shared store.
type failingStore struct {
	calls int
}

func (f *failingStore) Incr(ctx context.Context, key string, limit int, ttl time.Duration) (int64, error) {
	f.calls++
	return 0, errors.New("connection refused")
}

func TestLimiter_QuotaBoundary(t *testing.T) {
	l := New(Options{Enabled: true, Quota: 3, Window: time.Minute})

	for i := 1; i <= 3; i++ {
		res := l.Allow(context.Background(), "alice", "ws:chat")
		if !res.Allowed {
			t.Fatalf("request %d rejected, want admitted", i)
		}
	}

	res := l.Allow(context.Background(), "alice", "ws:chat")
	if res.Allowed {
		t.Error("request past quota admitted")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, window]", res.RetryAfter)
	}
}

func TestLimiter_SaturatedWindowStaysRejected(t *testing.T) {
	l := New(Options{Enabled: true, Quota: 1, Window: time.Minute})

	l.Allow(context.Background(), "bob", "ws:chat")
	for i := 0; i < 5; i++ {
		if res := l.Allow(context.Background(), "bob", "ws:chat"); res.Allowed {
			t.Fatalf("rejected window admitted a request on attempt %d", i)
		}
	}
}

func TestLimiter_IndependentKeys(t *testing.T) {
	l := New(Options{Enabled: true, Quota: 1, Window: time.Minute})

	if res := l.Allow(context.Background(), "alice", "ws:chat"); !res.Allowed {
		t.Fatal("first request for alice rejected")
	}
	// Different subject and different class each get their own window.
	if res := l.Allow(context.Background(), "bob", "ws:chat"); !res.Allowed {
		t.Error("bob shares alice's window")
	}
	if res := l.Allow(context.Background(), "alice", "ws:stream"); !res.Allowed {
		t.Error("ws:stream shares the ws:chat window")
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(Options{Enabled: true, Quota: 1, Window: time.Minute})
	l.now = func() time.Time { return now }

	if res := l.Allow(context.Background(), "alice", "ws:chat"); !res.Allowed {
		t.Fatal("first request rejected")
	}
	if res := l.Allow(context.Background(), "alice", "ws:chat"); res.Allowed {
		t.Fatal("second request in same window admitted")
	}

	now = now.Add(61 * time.Second)
	if res := l.Allow(context.Background(), "alice", "ws:chat"); !res.Allowed {
		t.Error("request in fresh window rejected")
	}
}

func TestLimiter_FallbackOnStoreFailure(t *testing.T) {
	store := &failingStore{}
	l := New(Options{Enabled: true, Quota: 2, Window: time.Minute, Primary: store})

	// The failing primary must not fail requests open or closed: counting
	// continues on the in-process store.
	for i := 1; i <= 2; i++ {
		if res := l.Allow(context.Background(), "alice", "ws:chat"); !res.Allowed {
			t.Fatalf("request %d rejected during fallback", i)
		}
	}
	if res := l.Allow(context.Background(), "alice", "ws:chat"); res.Allowed {
		t.Error("fallback store did not enforce the quota")
	}
	if store.calls != 3 {
		t.Errorf("primary tried %d times, want 3 (retried per call)", store.calls)
	}
}

func TestLimiter_SubMillisecondWindowClamped(t *testing.T) {
	// Window indexing counts milliseconds; a finer window must not divide
	// by zero.
	l := New(Options{Enabled: true, Quota: 1, Window: 500 * time.Microsecond})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	if res := l.Allow(context.Background(), "alice", "ws:chat"); !res.Allowed {
		t.Error("first request in clamped window rejected")
	}
	if res := l.Allow(context.Background(), "alice", "ws:chat"); res.Allowed {
		t.Error("clamped window did not enforce the quota")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(Options{Enabled: false, Quota: 1, Window: time.Minute})

	for i := 0; i < 10; i++ {
		if res := l.Allow(context.Background(), "alice", "ws:chat"); !res.Allowed {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestMemoryStore_Saturation(t *testing.T) {
	s := NewMemoryStore()

	for i := int64(1); i <= 2; i++ {
		n, err := s.Incr(context.Background(), "k", 2, time.Minute)
		if err != nil || n != i {
			t.Fatalf("Incr = (%d, %v), want (%d, nil)", n, err, i)
		}
	}
	// At the limit the counter saturates: it keeps reporting limit+1 without
	// growing, so the window length is not extended by rejected traffic.
	for i := 0; i < 3; i++ {
		n, err := s.Incr(context.Background(), "k", 2, time.Minute)
		if err != nil || n != 3 {
			t.Fatalf("saturated Incr = (%d, %v), want (3, nil)", n, err)
		}
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	if n, _ := s.Incr(context.Background(), "k", 1, time.Minute); n != 1 {
		t.Fatalf("first Incr = %d, want 1", n)
	}
	if n, _ := s.Incr(context.Background(), "k", 1, time.Minute); n != 2 {
		t.Fatalf("saturated Incr = %d, want 2", n)
	}

	now = now.Add(2 * time.Minute)
	if n, _ := s.Incr(context.Background(), "k", 1, time.Minute); n != 1 {
		t.Errorf("Incr after expiry = %d, want 1", n)
	}
}
