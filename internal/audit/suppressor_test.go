package audit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestKey(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_500)
	id := int64(9)

	assert.Equal(t, "5|UPDATE|elections|9|1700000000", Key(5, "UPDATE", "elections", &id, at))
	assert.Equal(t, "0|LOGIN|auth|null|1700000000", Key(0, "LOGIN", "auth", nil, at))
	assert.NotEqual(t,
		Key(5, "UPDATE", "elections", &id, at),
		Key(5, "UPDATE", "elections", &id, at.Add(time.Second)),
		"keys in different seconds must differ")
}

func TestNewSuppressor_Defaults(t *testing.T) {
	s := NewSuppressor(0, 0, nil)
	assert.Equal(t, DefaultDedupWindow, s.window)
	assert.Equal(t, DefaultDedupTTL, s.ttl)

	s = NewSuppressor(5*time.Second, time.Second, nil)
	assert.Equal(t, 5*time.Second, s.ttl, "ttl is raised to the window")
}

func TestSuppressor_Window(t *testing.T) {
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s := NewSuppressor(time.Second, 10*time.Second, nil)

	assert.False(t, s.ShouldSuppress("k", t0), "unseen key")
	s.Record("k", t0)

	assert.True(t, s.ShouldSuppress("k", t0))
	assert.True(t, s.ShouldSuppress("k", t0.Add(999*time.Millisecond)))
	assert.True(t, s.ShouldSuppress("k", t0.Add(-500*time.Millisecond)), "clock skew is symmetric")
	assert.False(t, s.ShouldSuppress("k", t0.Add(time.Second)), "window is exclusive")
	assert.False(t, s.ShouldSuppress("other", t0))
}

func TestSuppressor_Allow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	s := NewSuppressor(time.Second, 10*time.Second, clock.Now)

	require.True(t, s.Allow("k"))
	clock.Advance(500 * time.Millisecond)
	assert.False(t, s.Allow("k"), "duplicate inside the window")

	// The suppressed call did not refresh the entry.
	clock.Advance(500 * time.Millisecond)
	assert.True(t, s.Allow("k"))
}

func TestSuppressor_SweepsExpired(t *testing.T) {
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s := NewSuppressor(time.Second, 10*time.Second, nil)

	s.Record("a", t0)
	s.Record("b", t0.Add(5*time.Second))
	require.Equal(t, 2, s.Len())

	s.Record("c", t0.Add(11*time.Second))
	assert.Equal(t, 2, s.Len(), "a is older than the ttl")
	assert.False(t, s.ShouldSuppress("a", t0))
}

func TestSuppressor_ConcurrentAllow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	s := NewSuppressor(time.Second, 10*time.Second, clock.Now)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Allow("same") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}
