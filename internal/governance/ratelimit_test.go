package governance

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(limit Limit) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(limit)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiterBurstThenRefill(t *testing.T) {
	rl, clock := newTestLimiter(Limit{Rate: 1, Burst: 2})

	ok, _ := rl.Allow("restart")
	assert.True(t, ok)
	ok, _ = rl.Allow("restart")
	assert.True(t, ok)

	ok, wait := rl.Allow("restart")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	clock.Advance(time.Second)
	ok, _ = rl.Allow("restart")
	assert.True(t, ok)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(Limit{Rate: 1, Burst: 1})

	ok, _ := rl.Allow("unlock:tank/a")
	assert.True(t, ok)
	ok, _ = rl.Allow("unlock:tank/a")
	assert.False(t, ok)

	ok, _ = rl.Allow("unlock:tank/b")
	assert.True(t, ok)
}

func TestRateLimiterDisabled(t *testing.T) {
	var nilLimiter *RateLimiter
	ok, _ := nilLimiter.Allow("x")
	assert.True(t, ok)
	assert.Nil(t, nilLimiter.Stats())

	rl := NewRateLimiter(Limit{})
	for range 100 {
		ok, _ := rl.Allow("x")
		assert.True(t, ok)
	}
	assert.Empty(t, rl.Stats())
}

func TestPerMinute(t *testing.T) {
	assert.Equal(t, Limit{Rate: 0.1, Burst: 6}, PerMinute(6))
	assert.False(t, PerMinute(0).Enabled())
}

func TestRateLimiterStats(t *testing.T) {
	rl, _ := newTestLimiter(Limit{Rate: 2, Burst: 3})
	rl.Allow("count")

	stats := rl.Stats()
	assert.Equal(t, RateLimitStats{Rate: 2, BurstSize: 3, Available: 2}, stats["count"])
}

// Within any window, the number of admitted calls never exceeds the burst plus
// the tokens earned during that window.
func TestRateLimiterNeverExceedsBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(0.1, 10).Draw(t, "rate")
		burst := rapid.IntRange(1, 10).Draw(t, "burst")
		steps := rapid.SliceOfN(rapid.IntRange(0, 500), 1, 50).Draw(t, "steps_ms")

		rl, clock := newTestLimiter(Limit{Rate: rate, Burst: burst})
		admitted := 0
		var elapsed time.Duration
		for _, ms := range steps {
			d := time.Duration(ms) * time.Millisecond
			clock.Advance(d)
			elapsed += d
			if ok, _ := rl.Allow("k"); ok {
				admitted++
			}
		}

		budget := float64(burst) + elapsed.Seconds()*rate
		if float64(admitted) > budget+1e-9 {
			t.Fatalf("admitted %d calls, budget %.3f", admitted, budget)
		}
	})
}
