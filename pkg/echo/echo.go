// Package echo implements the Echo Suppressor: a time-windowed record
// of paths the Download pipeline just wrote to disk, so the File
// Watcher doesn't immediately re-upload its own writes.
package echo

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTTL is the default echo window, sized so that a sync pass plus
// filesystem quiescence cannot race past it (spec §4.4).
const DefaultTTL = 2 * time.Hour

// Suppressor tracks recently-downloaded paths. Both the original path
// and its canonicalized form are marked, since filesystem events may
// arrive under either spelling on case-insensitive filesystems.
type Suppressor struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	marked  map[string]time.Time
	stopped chan struct{}
}

// New creates a Suppressor with the given TTL and clock. A nil clock
// defaults to the real wall clock.
func New(ttl time.Duration, clock clockwork.Clock) *Suppressor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Suppressor{
		clock:  clock,
		ttl:    ttl,
		marked: make(map[string]time.Time),
	}
}

// Mark records path (and its canonical form) as recently synced.
func (s *Suppressor) Mark(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.marked[path] = now
	s.marked[canonicalize(path)] = now
}

// IsRecent reports whether path was marked within the TTL window.
func (s *Suppressor) IsRecent(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{path, canonicalize(path)} {
		if ts, ok := s.marked[key]; ok && s.clock.Now().Sub(ts) < s.ttl {
			return true
		}
	}
	return false
}

// Sweep evicts entries older than the TTL. Call it periodically from a
// background goroutine; it's also safe to call synchronously in tests.
func (s *Suppressor) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for path, ts := range s.marked {
		if now.Sub(ts) >= s.ttl {
			delete(s.marked, path)
		}
	}
}

// StartSweeper runs Sweep on interval until Stop is called. interval
// defaults to the TTL itself when zero.
func (s *Suppressor) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl
	}
	s.mu.Lock()
	if s.stopped != nil {
		s.mu.Unlock()
		return
	}
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.clock.After(interval):
				s.Sweep()
			case <-s.stopped:
				return
			}
		}
	}()
}

// Stop halts the background sweeper, if running.
func (s *Suppressor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped != nil {
		close(s.stopped)
		s.stopped = nil
	}
}

// canonicalize normalizes path separators and case so that a single
// logical path maps to one entry regardless of which spelling the
// filesystem event reports it under.
func canonicalize(path string) string {
	out := make([]byte, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '\\' {
			c = '/'
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
