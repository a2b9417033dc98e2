package core

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// fakeClock is a settable time source with the shape SetClock accepts. The
// scheduler tests below run on the wall clock and do not use it; the
// scheduler's timers fire on real time regardless of the clock it reads.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestSchedulerAdmitsImmediatelyWhenIdle(t *testing.T) {
	sched := NewRequestScheduler(0, 4)
	defer sched.Close()
	session := NewHostSession(0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sched.Schedule(ctx, session, mustURL(t, "https://example.com/"))
	require.NoError(t, err)
	sched.RequestEnd()
}

func TestSchedulerEnforcesConnectionLimit(t *testing.T) {
	sched := NewRequestScheduler(0, 2)
	defer sched.Close()

	var sessions []*HostSession
	for i := 0; i < 3; i++ {
		sessions = append(sessions, NewHostSession(0, nil))
	}

	admitted := make(chan int, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	for i := 0; i < 3; i++ {
		i := i
		go func() {
			u := mustURL(t, "https://host"+string(rune('a'+i))+".example.com/")
			_, err := sched.Schedule(ctx, sessions[i], u)
			if err == nil {
				admitted <- i
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, sched.AvailableConnectionsCount(), 0, "connection limit of 2 should be saturated by 2 concurrent admits")

	sched.RequestEnd()
	sched.RequestEnd()
	if withActive := sched.AvailableConnectionsCount(); withActive < 0 {
		t.Fatalf("available connections went negative: %d", withActive)
	}
}

func TestSchedulerCancelPendingRemovesUnadmittedItem(t *testing.T) {
	sched := NewRequestScheduler(time.Hour, 1)
	defer sched.Close()

	blocker := NewHostSession(0, nil)
	ctxBlock, cancelBlock := context.WithCancel(context.Background())
	defer cancelBlock()
	go func() {
		_, _ = sched.Schedule(ctxBlock, blocker, mustURL(t, "https://blocker.example.com/"))
	}()
	time.Sleep(20 * time.Millisecond) // let the blocker take the only connection

	waiting := NewHostSession(0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sched.Schedule(ctx, waiting, mustURL(t, "https://waiting.example.com/"))
	assert.Error(t, err, "should time out while the connection limit is held")

	total, active, awaiting := waiting.Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, awaiting, "cancelPending should roll back the awaiting counter")
}

func TestSchedulerIsEmptyAfterDrain(t *testing.T) {
	sched := NewRequestScheduler(0, 4)
	defer sched.Close()
	assert.True(t, sched.IsEmpty())

	session := NewHostSession(0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sched.Schedule(ctx, session, mustURL(t, "https://example.com/"))
	require.NoError(t, err)
	assert.False(t, sched.IsEmpty())

	sched.RequestEnd()
	assert.True(t, sched.IsEmpty())
}

func TestSchedulerDelayDefersSecondRequest(t *testing.T) {
	sched := NewRequestScheduler(80*time.Millisecond, 4)
	defer sched.Close()
	session := NewHostSession(0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sched.Schedule(ctx, session, mustURL(t, "https://example.com/a"))
	require.NoError(t, err)
	sched.RequestEnd()

	start := time.Now()
	_, err = sched.Schedule(ctx, session, mustURL(t, "https://example.com/b"))
	require.NoError(t, err)
	elapsed := time.Since(start)
	sched.RequestEnd()

	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond, "second request on the same scheduler should wait out the delay")
}
