package debounce

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestShouldProcessWithinCooldown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(time.Second, 0, time.Time{}, clock)

	assert.True(t, d.ShouldProcess("/a.txt"))
	assert.False(t, d.ShouldProcess("/a.txt"))

	clock.Advance(2 * time.Second)
	assert.True(t, d.ShouldProcess("/a.txt"))
}

func TestShouldProcessIndependentPerPath(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(time.Second, 0, time.Time{}, clock)

	assert.True(t, d.ShouldProcess("/a.txt"))
	assert.True(t, d.ShouldProcess("/b.txt"))
}

func TestPredatesStartDisabledWithoutStartTime(t *testing.T) {
	d := New(0, 0, time.Time{}, clockwork.NewFakeClock())
	assert.False(t, d.PredatesStart(time.Now().Add(-time.Hour)))
}

func TestPredatesStart(t *testing.T) {
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := New(0, 2*time.Second, started, clockwork.NewFakeClock())

	assert.True(t, d.PredatesStart(started.Add(-10*time.Second)))
	assert.False(t, d.PredatesStart(started.Add(-time.Second)))
	assert.False(t, d.PredatesStart(started.Add(time.Second)))
}

func TestForget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(time.Second, 0, time.Time{}, clock)

	assert.True(t, d.ShouldProcess("/a.txt"))
	d.Forget("/a.txt")
	assert.True(t, d.ShouldProcess("/a.txt"))
}
