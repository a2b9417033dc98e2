package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryBuildsOnceForConcurrentCallers(t *testing.T) {
	var builds int32
	build := func(ctx context.Context, args ...any) (string, error) {
		atomic.AddInt32(&builds, 1)
		time.Sleep(10 * time.Millisecond)
		return "value", nil
	}
	f := NewTemporaryObjectFactory[string](build, nil)

	const callers = 8
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		go func() {
			v, err := f.Get(context.Background(), time.Second, "k")
			require.NoError(t, err)
			results <- v
		}()
	}
	for i := 0; i < callers; i++ {
		assert.Equal(t, "value", <-results)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds), "concurrent Get calls for the same key must share a single build")
}

func TestFactoryBuildFailureIsNotCached(t *testing.T) {
	var calls int32
	build := func(ctx context.Context, args ...any) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return "", errors.New("boom")
		}
		return "ok", nil
	}
	f := NewTemporaryObjectFactory[string](build, nil)

	_, err := f.Get(context.Background(), time.Second, "k")
	assert.Error(t, err)
	assert.False(t, f.Has("k"), "a failed build must not leave an entry behind")

	v, err := f.Get(context.Background(), time.Second, "k")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestFactoryDestroyEvictsAfterGracePeriod(t *testing.T) {
	build := func(ctx context.Context, args ...any) (string, error) { return "v", nil }
	var destroyed int32
	destroy := func(ctx context.Context, key string, value string) error {
		atomic.AddInt32(&destroyed, 1)
		return nil
	}
	f := NewTemporaryObjectFactory[string](build, destroy)

	_, err := f.Get(context.Background(), 20*time.Millisecond, "k")
	require.NoError(t, err)

	ch, err := f.Destroy("k")
	require.NoError(t, err)

	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("destroy did not fire within the grace period")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&destroyed))
	assert.False(t, f.Has("k"))
}

func TestFactoryGetDuringGracePeriodCancelsEviction(t *testing.T) {
	build := func(ctx context.Context, args ...any) (string, error) { return "v", nil }
	var destroyed int32
	destroy := func(ctx context.Context, key string, value string) error {
		atomic.AddInt32(&destroyed, 1)
		return nil
	}
	f := NewTemporaryObjectFactory[string](build, destroy)

	_, err := f.Get(context.Background(), 30*time.Millisecond, "k")
	require.NoError(t, err)

	_, err = f.Destroy("k")
	require.NoError(t, err)

	// Re-acquire before the grace period elapses: this should cancel the
	// pending eviction timer, per the resurrection scenario.
	v, err := f.Get(context.Background(), 30*time.Millisecond, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&destroyed), "a resurrected entry must not be destroyed by the cancelled timer")
	assert.True(t, f.Has("k"))
}

func TestFactoryDestroyUnknownKeyErrors(t *testing.T) {
	f := NewTemporaryObjectFactory[string](func(context.Context, ...any) (string, error) { return "v", nil }, nil)
	_, err := f.Destroy("missing")
	assert.Error(t, err)
}

func TestFactoryGetAfterDestroyRebuilds(t *testing.T) {
	var builds int32
	build := func(ctx context.Context, args ...any) (string, error) {
		n := atomic.AddInt32(&builds, 1)
		return "v" + string(rune('0'+n)), nil
	}
	f := NewTemporaryObjectFactory[string](build, nil)

	first, err := f.Get(context.Background(), 10*time.Millisecond, "k")
	require.NoError(t, err)

	ch, err := f.Destroy("k")
	require.NoError(t, err)
	<-ch

	second, err := f.Get(context.Background(), 10*time.Millisecond, "k")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "after a completed destroy, Get must build a fresh value")
}
