package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTime struct{ t time.Time }

func (f *fakeTime) now() time.Time { return f.t }
func (f *fakeTime) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeTime{t: time.Unix(0, 0)}
	l := newLimiter(10, 3, clock.now)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "token %d", i)
	}
	assert.False(t, l.Allow())

	clock.advance(100 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	// refill never exceeds the burst
	clock.advance(time.Hour)
	assert.True(t, l.AllowN(3))
	assert.False(t, l.Allow())
}

func TestLimiterAllowNIsAllOrNothing(t *testing.T) {
	clock := &fakeTime{t: time.Unix(0, 0)}
	l := newLimiter(1, 2, clock.now)

	assert.False(t, l.AllowN(3))
	assert.True(t, l.AllowN(2))
}

func TestRegistry(t *testing.T) {
	clock := &fakeTime{t: time.Unix(0, 0)}
	r := newRegistry(1, 1, time.Minute, clock.now)

	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	assert.NotSame(t, a, r.Get("b"))
	assert.True(t, a.Allow())
	assert.False(t, r.Get("a").Allow())

	clock.advance(30 * time.Second)
	r.Get("b").Allow()
	clock.advance(45 * time.Second)
	r.evict()

	assert.Equal(t, 1, r.Len())
	assert.NotSame(t, a, r.Get("a"))
	r.Stop()
	r.Stop()
}
