package reactor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedthis/ioto-core/internal/koderr"
)

func TestStartEventFIFOWithinEqualDeadline(t *testing.T) {
	q := NewQueue(nil)
	now := time.Now()

	var mu sync.Mutex
	var order []int
	record := func(n int) EventProc {
		return func(any) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	// Three fast events scheduled for the exact same instant must run in
	// scheduling order.
	e1 := &event{id: 1, due: now, proc: record(1), fast: true}
	e2 := &event{id: 2, due: now, proc: record(2), fast: true}
	e3 := &event{id: 3, due: now, proc: record(3), fast: true}
	q.byID[1], q.byID[2], q.byID[3] = e1, e2, e3
	q.insert(e1)
	q.insert(e2)
	q.insert(e3)

	q.RunEvents(now)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestStopEventIsIdempotent(t *testing.T) {
	q := NewQueue(nil)
	ran := false
	id, err := q.StartEvent(func(any) { ran = true }, nil, time.Hour)
	require.NoError(t, err)

	q.StopEvent(id)
	q.StopEvent(id) // second call must not panic or error

	q.RunEvents(time.Now().Add(2 * time.Hour))
	assert.False(t, ran, "stopped event must not run")
}

func TestRunEventReschedulesImmediately(t *testing.T) {
	q := NewQueue(nil)
	ran := false
	id, err := q.StartEvent(func(any) { ran = true }, nil, time.Hour)
	require.NoError(t, err)

	q.RunEvent(id)
	q.RunEvents(time.Now())
	assert.True(t, ran)
}

func TestRunEventsReturnsNextDeadline(t *testing.T) {
	q := NewQueue(nil)
	now := time.Now()
	_, err := q.StartEvent(func(any) {}, nil, time.Hour)
	require.NoError(t, err)

	next := q.RunEvents(now)
	assert.False(t, next.IsZero())
	assert.True(t, next.After(now))
}

func TestAllocIDSkipsInUseIDsAndReservesZero(t *testing.T) {
	q := NewQueue(nil)
	q.byID[1] = &event{id: 1}
	q.nextID = 0

	id, err := q.allocID()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)
	assert.NotZero(t, id)
}

func TestAllocIDExhaustionIsAHardError(t *testing.T) {
	q := NewQueue(nil)
	q.nextID = 0
	for i := uint64(1); i <= maxIDProbe; i++ {
		q.byID[i] = &event{id: i}
	}

	_, err := q.allocID()
	require.Error(t, err)
	assert.Equal(t, koderr.TooMany, koderr.Of(err))
	assert.True(t, errors.Is(err, ErrIDSpaceExhausted))
}

func TestServiceEventsStopsWhenRequested(t *testing.T) {
	q := NewQueue(nil)
	stop := false
	calls := 0
	waiter := waiterFunc(func(time.Time) error {
		calls++
		if calls >= 2 {
			stop = true
		}
		return nil
	})

	err := q.ServiceEvents(func() bool { return stop }, waiter)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type waiterFunc func(time.Time) error

func (f waiterFunc) Wait(d time.Time) error { return f(d) }
