package fiber

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testScheduler is a minimal Scheduler good enough to drive Sleep and
// cross-goroutine Resume in tests without pulling in the reactor package.
type testScheduler struct{}

func (testScheduler) After(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
func (testScheduler) Post(fn func())                   { go fn() }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{PoolMax: 4, IdleTimeout: time.Hour})
	e.SetScheduler(testScheduler{})
	return e
}

func TestYieldResumeRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	main := e.Main()

	f, err := e.Alloc("echo", func(f *Fiber, arg any) any {
		first := arg.(string)
		second := f.Yield("world")
		return first + "-" + second.(string)
	})
	require.NoError(t, err)

	yielded := main.Resume(f, "hello")
	assert.Equal(t, "world", yielded)

	final := main.Resume(f, "second")
	assert.Equal(t, "hello-second", final)
}

func TestFiberPoolRecycling(t *testing.T) {
	e := newTestEngine(t)
	main := e.Main()

	noop := func(f *Fiber, arg any) any { return nil }

	f1, err := e.Alloc("worker", noop)
	require.NoError(t, err)
	main.Resume(f1, nil) // runs to completion, parks itself pooled

	statsBefore := e.Stats()
	assert.EqualValues(t, 1, statsBefore.PoolMisses)

	e.Free(f1)
	assert.EqualValues(t, 1, e.Stats().Pooled)

	f2, err := e.Alloc("worker", noop)
	require.NoError(t, err)

	assert.Same(t, f1, f2, "pooled fiber should be reused by identity")
	statsAfter := e.Stats()
	assert.EqualValues(t, 1, statsAfter.PoolHits)
	assert.EqualValues(t, 1, statsAfter.PoolMisses)
}

func TestAbortTearsDownRatherThanPools(t *testing.T) {
	e := newTestEngine(t)
	main := e.Main()

	f, err := e.Alloc("bailout", func(f *Fiber, arg any) any {
		f.Abort()
		t.Fatal("unreachable after Abort")
		return nil
	})
	require.NoError(t, err)

	main.Resume(f, nil)
	assert.Equal(t, StateDone, f.State())

	e.Free(f)
	assert.Equal(t, 0, e.Stats().Pooled, "aborted fiber must not be pooled")
}

func TestResumeFromNonMainFiberEnqueuesOnScheduler(t *testing.T) {
	e := newTestEngine(t)
	main := e.Main()

	target, err := e.Alloc("target", func(f *Fiber, arg any) any {
		return "target-done"
	})
	require.NoError(t, err)

	caller, err := e.Alloc("caller", func(f *Fiber, arg any) any {
		return f.Resume(target, nil)
	})
	require.NoError(t, err)

	result := main.Resume(caller, nil)
	assert.Equal(t, "target-done", result)
}

func TestSleepFromNonMainFiberYieldsToScheduler(t *testing.T) {
	e := newTestEngine(t)
	main := e.Main()

	start := time.Now()
	woke := make(chan time.Duration, 1)
	f, err := e.Alloc("sleeper", func(f *Fiber, arg any) any {
		f.Sleep(20 * time.Millisecond)
		woke <- time.Since(start)
		return "woke"
	})
	require.NoError(t, err)

	// Sleep parks the fiber, so Resume returns at that yield; the
	// scheduler resumes the fiber once the delay has elapsed.
	result := main.Resume(f, nil)
	assert.Nil(t, result)
	select {
	case elapsed := <-woke:
		assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("sleeping fiber was never resumed")
	}
}

func TestCritSectionEnterLeave(t *testing.T) {
	cs := NewCritSection()
	require.NoError(t, cs.Enter(context.Background(), time.Time{}))
	assert.False(t, cs.TryEnter(), "section should already be held")
	cs.Leave()
	assert.True(t, cs.TryEnter())
	cs.Leave()
}

func TestCritSectionEnterDeadlineExceeded(t *testing.T) {
	cs := NewCritSection()
	require.NoError(t, cs.Enter(context.Background(), time.Time{}))
	defer cs.Leave()

	err := cs.Enter(context.Background(), time.Now().Add(10*time.Millisecond))
	require.Error(t, err)
}

func TestAllocRespectsHardCap(t *testing.T) {
	e := New(Config{PoolMax: 1, HardCap: 1})
	e.SetScheduler(testScheduler{})

	_, err := e.Alloc("one", func(f *Fiber, arg any) any { return nil })
	require.NoError(t, err)

	_, err = e.Alloc("two", func(f *Fiber, arg any) any { return nil })
	require.Error(t, err)
}

func TestPruneReclaimsIdleAboveFloor(t *testing.T) {
	e := New(Config{PoolMax: 4, PoolMin: 1, IdleTimeout: time.Millisecond})
	e.SetScheduler(testScheduler{})
	main := e.Main()

	noop := func(f *Fiber, arg any) any { return nil }
	var pooled []*Fiber
	for i := 0; i < 3; i++ {
		f, err := e.Alloc("w", noop)
		require.NoError(t, err)
		main.Resume(f, nil)
		e.Free(f)
		pooled = append(pooled, f)
	}
	require.Equal(t, 3, e.Stats().Pooled)

	time.Sleep(5 * time.Millisecond)
	reclaimed := e.Prune(time.Now())
	assert.Equal(t, 2, reclaimed)
	assert.Equal(t, 1, e.Stats().Pooled, "PoolMin floor must be respected")
}
