package echo

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestMarkAndIsRecent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(time.Minute, clock)

	assert.False(t, s.IsRecent("/a/b.txt"))
	s.Mark("/a/b.txt")
	assert.True(t, s.IsRecent("/a/b.txt"))
}

func TestIsRecentExpiresAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(time.Minute, clock)

	s.Mark("/a/b.txt")
	clock.Advance(2 * time.Minute)
	assert.False(t, s.IsRecent("/a/b.txt"))
}

func TestIsRecentMatchesCanonicalForm(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(time.Minute, clock)

	s.Mark(`C:\Users\me\Drive\A.txt`)
	assert.True(t, s.IsRecent(`C:\Users\me\Drive\a.txt`))
	assert.True(t, s.IsRecent(`C:/Users/me/Drive/a.txt`))
}

func TestSweepEvictsExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(time.Minute, clock)
	s.Mark("/a/b.txt")

	clock.Advance(2 * time.Minute)
	s.Sweep()

	s.mu.Lock()
	n := len(s.marked)
	s.mu.Unlock()
	assert.Zero(t, n)
}

func TestDefaultTTLUsedWhenZero(t *testing.T) {
	s := New(0, clockwork.NewFakeClock())
	assert.Equal(t, DefaultTTL, s.ttl)
}
