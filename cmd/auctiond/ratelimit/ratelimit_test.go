package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/rfq-auction/auction"
)

type clock struct {
	now time.Time
	lk  sync.Mutex
}

func (c *clock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_Boundary(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		max  int
	}{
		{"one", 1},
		{"small", 5},
		{"default", DefaultMax},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := &clock{now: time.Unix(1700000000, 0)}
			l := New(time.Second*10, tc.max, WithClock(c.Now))

			for i := 0; i < tc.max; i++ {
				require.True(t, l.Allow("c1"), "message %d", i+1)
			}
			require.False(t, l.Allow("c1"))
			require.False(t, l.Allow("c1"))

			// Other connections have their own window.
			require.True(t, l.Allow("c2"))

			c.Advance(time.Second*10 - time.Millisecond)
			require.False(t, l.Allow("c1"))

			c.Advance(time.Millisecond)
			for i := 0; i < tc.max; i++ {
				require.True(t, l.Allow("c1"), "message %d after reset", i+1)
			}
			require.False(t, l.Allow("c1"))
		})
	}
}

func TestLimiter_Remove(t *testing.T) {
	t.Parallel()
	l := New(0, 1)
	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c2"))
	assert.False(t, l.Allow("c1"))
	assert.Equal(t, 2, l.Len())

	l.Remove("c1")
	l.Remove("c1")
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Allow("c1"))
}

func TestLimiter_Concurrent(t *testing.T) {
	t.Parallel()
	l := New(time.Hour, 50)

	var (
		wg      sync.WaitGroup
		allowed int
		lk      sync.Mutex
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if l.Allow(auction.ConnID("c")) {
					lk.Lock()
					allowed++
					lk.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
