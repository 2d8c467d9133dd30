package session

import (
	"sync"
	"time"

	"github.com/BlackBearCC/mbti-gateway/internal/logging"
)

// Connection is the supervisor's view of a live transport link.
type Connection interface {
	ID() string
	// LastActive is the most recent inbound frame or heartbeat time.
	LastActive() time.Time
	// Shutdown forcibly closes the transport. The connection's own teardown
	// path handles registry removal and resource release.
	Shutdown(reason string)
}

// Supervisor owns the set of live connections for the process and evicts
// connections whose heartbeat lapses past the idle threshold.
type Supervisor struct {
	mu    sync.Mutex
	conns map[string]Connection

	idleTimeout time.Duration
	done        chan struct{}
	stopOnce    sync.Once
}

// NewSupervisor creates a Supervisor with the given idle threshold.
func NewSupervisor(idleTimeout time.Duration) *Supervisor {
	return &Supervisor{
		conns:       make(map[string]Connection),
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}
}

// Add registers a connection.
func (s *Supervisor) Add(c Connection) {
	s.mu.Lock()
	s.conns[c.ID()] = c
	count := len(s.conns)
	s.mu.Unlock()

	logging.Debug().Str("conn", c.ID()).Int("total", count).Msg("connection registered")
}

// Remove deregisters a connection. Safe to call on every exit path; removal
// of an unknown id is a no-op.
func (s *Supervisor) Remove(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	count := len(s.conns)
	s.mu.Unlock()

	logging.Debug().Str("conn", id).Int("total", count).Msg("connection removed")
}

// Count returns the number of live connections.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Start launches the idle sweep loop. The sweep interval is half the idle
// threshold so a lapsed connection is evicted within 1.5x the threshold.
func (s *Supervisor) Start() {
	if s.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep(time.Now())
			}
		}
	}()
}

// Stop halts the sweep loop and shuts down all remaining connections.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	remaining := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		remaining = append(remaining, c)
	}
	s.mu.Unlock()

	for _, c := range remaining {
		c.Shutdown("server shutting down")
	}
}

func (s *Supervisor) sweep(now time.Time) {
	s.mu.Lock()
	var idle []Connection
	for _, c := range s.conns {
		if now.Sub(c.LastActive()) > s.idleTimeout {
			idle = append(idle, c)
		}
	}
	s.mu.Unlock()

	for _, c := range idle {
		logging.Info().Str("conn", c.ID()).Msg("closing idle connection")
		c.Shutdown("heartbeat timeout")
	}
}
