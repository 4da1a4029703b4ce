package ratelimit

import (
	"sync"
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestAdmitUserLimit(t *testing.T) {
	clock := newClock()
	l := New(Limits{PerUser: 10, Window: time.Minute}, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Admit("alice", ""), "submission %d", i+1)
		clock.Advance(time.Second)
	}
	err := l.Admit("alice", "")
	require.ErrorIs(t, err, ErrUserLimitExceeded)
	assert.EqualError(t, err, "user rate limit exceeded")

	require.NoError(t, l.Admit("bob", ""), "limits are per user")

	// Only the first admission, made 60s ago, has left the window.
	clock.Advance(50 * time.Second)
	require.NoError(t, l.Admit("alice", ""))
	require.ErrorIs(t, l.Admit("alice", ""), ErrUserLimitExceeded)
}

func TestAdmitProjectLimit(t *testing.T) {
	clock := newClock()
	l := New(Limits{PerUser: 5, PerProject: 3, Window: time.Minute}, WithClock(clock.Now))

	require.NoError(t, l.Admit("u1", "p"))
	require.NoError(t, l.Admit("u2", "p"))
	require.NoError(t, l.Admit("u3", "p"))

	err := l.Admit("u4", "p")
	require.ErrorIs(t, err, ErrProjectLimitExceeded)
	assert.Equal(t, 0, l.UserUsage("u4"), "a refused submission records nothing")

	require.NoError(t, l.Admit("u4", ""), "no project skips the project check")
	require.NoError(t, l.Admit("u4", "other"))
	assert.Equal(t, 3, l.ProjectUsage("p"))
}

func TestAdmitUserRefusalDoesNotChargeProject(t *testing.T) {
	l := New(Limits{PerUser: 1, PerProject: 10, Window: time.Minute})

	require.NoError(t, l.Admit("alice", "p"))
	require.ErrorIs(t, l.Admit("alice", "p"), ErrUserLimitExceeded)
	assert.Equal(t, 1, l.ProjectUsage("p"))
}

func TestZeroDisablesThreshold(t *testing.T) {
	l := New(Limits{PerUser: 0, PerProject: 0, Window: time.Minute})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Admit("alice", "p"))
	}
}

func TestSweep(t *testing.T) {
	clock := newClock()
	l := New(Limits{PerUser: 2, Window: time.Minute}, WithClock(clock.Now))

	require.NoError(t, l.Admit("alice", "p"))
	clock.Advance(30 * time.Second)
	require.NoError(t, l.Admit("bob", ""))
	assert.Equal(t, 3, l.Keys())

	clock.Advance(45 * time.Second)
	l.Sweep()
	assert.Equal(t, 1, l.Keys())
	assert.Equal(t, 1, l.UserUsage("bob"))
	assert.Equal(t, 0, l.UserUsage("alice"))
}

func TestSetLimits(t *testing.T) {
	l := New(Limits{PerUser: 1, Window: time.Minute})
	require.NoError(t, l.Admit("alice", ""))
	require.ErrorIs(t, l.Admit("alice", ""), ErrUserLimitExceeded)

	l.SetLimits(Limits{PerUser: 3, Window: time.Minute})
	require.NoError(t, l.Admit("alice", ""))
	require.NoError(t, l.Admit("alice", ""))
	require.ErrorIs(t, l.Admit("alice", ""), ErrUserLimitExceeded)
}

func TestAdmitConcurrent(t *testing.T) {
	l := New(Limits{PerUser: 25, Window: time.Minute})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("alice", "") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, admitted)
}
