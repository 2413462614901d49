// Package debounce implements the Debouncer: a per-path cooldown that
// collapses bursts of filesystem events into a single dispatch, plus
// the cold-start grace window that keeps a fresh watcher from treating
// pre-existing files as newly created.
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCooldown is the default per-path debounce window (spec §4.5).
const DefaultCooldown = time.Second

// DefaultStartupGrace bounds how far in the past a file's mtime can be
// relative to watcher start and still be ignored as "pre-existing".
const DefaultStartupGrace = 2 * time.Second

// Debouncer tracks the last-dispatched time per path.
type Debouncer struct {
	clock    clockwork.Clock
	cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time

	startedAt time.Time
	grace     time.Duration
}

// New creates a Debouncer. startedAt is the watcher's start time, used
// by PredatesStart; a zero value disables that check. A nil clock
// defaults to the real wall clock.
func New(cooldown time.Duration, grace time.Duration, startedAt time.Time, clock clockwork.Clock) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if grace <= 0 {
		grace = DefaultStartupGrace
	}
	return &Debouncer{
		clock:     clock,
		cooldown:  cooldown,
		last:      make(map[string]time.Time),
		startedAt: startedAt,
		grace:     grace,
	}
}

// ShouldProcess reports whether path may be dispatched now: true iff no
// prior dispatch happened within the cooldown window. It always updates
// the last-dispatched timestamp when it returns true.
func (d *Debouncer) ShouldProcess(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if last, ok := d.last[path]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.last[path] = now
	return true
}

// PredatesStart reports whether modTime is old enough, relative to the
// watcher's start time, that the file should be treated as
// pre-existing rather than newly created. Always false if no start
// time was configured.
func (d *Debouncer) PredatesStart(modTime time.Time) bool {
	if d.startedAt.IsZero() {
		return false
	}
	return d.startedAt.Sub(modTime) > d.grace
}

// Forget drops any cooldown state for path, e.g. once it's been deleted.
func (d *Debouncer) Forget(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, path)
}
