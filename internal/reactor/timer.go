// Package reactor implements the event/timer queue and I/O wait engine
// that the agent's main fiber drives in its service loop.
package reactor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/koderr"
)

// ErrIDSpaceExhausted is returned when the bounded probe for a free event
// id comes up empty — the queue has far too many concurrently pending
// events rather than a genuinely exhausted 64-bit space.
var ErrIDSpaceExhausted = errors.New("reactor: event id space exhausted")

const maxIDProbe = 1 << 16

// EventProc is a scheduled callback.
type EventProc func(arg any)

type event struct {
	id   uint64
	due  time.Time
	proc EventProc
	arg  any
	fast bool
	next *event
}

// Queue is an ordered, singly-linked list of time-due events plus the id
// allocator for them. A linked list (not a heap) is used deliberately so
// events with equal deadlines fire in the order they were scheduled.
type Queue struct {
	mu      sync.Mutex
	head    *event
	byID    map[uint64]*event
	nextID  uint64
	fibers  *fiber.Engine
	onWake  func()
}

// NewQueue creates an empty queue. fibers may be nil, in which case all
// events run inline (as if StartFastEvent had been used).
func NewQueue(fibers *fiber.Engine) *Queue {
	return &Queue{byID: make(map[uint64]*event), fibers: fibers}
}

// OnWake registers a callback invoked whenever a foreign thread schedules
// or reschedules an event, so the main loop's poller can be kicked awake.
func (q *Queue) OnWake(fn func()) { q.onWake = fn }

func (q *Queue) allocID() (uint64, error) {
	for i := 0; i < maxIDProbe; i++ {
		q.nextID++
		if q.nextID == 0 {
			q.nextID = 1 // 0 is reserved invalid
		}
		if _, exists := q.byID[q.nextID]; !exists {
			return q.nextID, nil
		}
	}
	return 0, koderr.New(koderr.TooMany, "reactor.allocID", ErrIDSpaceExhausted)
}

// insert threads e into the ordered list, after any existing entries with
// an equal due time (FIFO-within-equal-deadline).
func (q *Queue) insert(e *event) {
	if q.head == nil || e.due.Before(q.head.due) {
		e.next = q.head
		q.head = e
		return
	}
	cur := q.head
	for cur.next != nil && !cur.next.due.After(e.due) {
		cur = cur.next
	}
	e.next = cur.next
	cur.next = e
}

func (q *Queue) unlink(target *event) {
	if q.head == target {
		q.head = target.next
		target.next = nil
		return
	}
	cur := q.head
	for cur != nil && cur.next != target {
		cur = cur.next
	}
	if cur != nil {
		cur.next = target.next
		target.next = nil
	}
}

func (q *Queue) start(proc EventProc, arg any, delay time.Duration, fast bool) (uint64, error) {
	q.mu.Lock()
	id, err := q.allocID()
	if err != nil {
		q.mu.Unlock()
		return 0, err
	}
	e := &event{id: id, due: time.Now().Add(delay), proc: proc, arg: arg, fast: fast}
	q.byID[id] = e
	q.insert(e)
	q.mu.Unlock()
	if q.onWake != nil {
		q.onWake()
	}
	return id, nil
}

// StartEvent schedules proc(arg) to run after delay on an attached fiber.
func (q *Queue) StartEvent(proc EventProc, arg any, delay time.Duration) (uint64, error) {
	return q.start(proc, arg, delay, false)
}

// StartFastEvent schedules proc(arg) to run inline on the main fiber,
// skipping the fiber-allocation overhead for short, non-blocking work.
func (q *Queue) StartFastEvent(proc EventProc, arg any, delay time.Duration) (uint64, error) {
	return q.start(proc, arg, delay, true)
}

// StopEvent cancels a pending event. Idempotent: stopping an unknown or
// already-fired id is a no-op.
func (q *Queue) StopEvent(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	q.unlink(e)
}

// RunEvent reschedules id to fire on the next RunEvents pass.
func (q *Queue) RunEvent(id uint64) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.unlink(e)
	e.due = time.Now()
	q.insert(e)
	q.mu.Unlock()
	if q.onWake != nil {
		q.onWake()
	}
}

// RunEvents collects every event due at or before now, unlinks them,
// releases the lock, then runs them. It returns the earliest remaining
// deadline, or the zero Time if the queue is empty.
func (q *Queue) RunEvents(now time.Time) time.Time {
	q.mu.Lock()
	var dispatch []*event
	for q.head != nil && !q.head.due.After(now) {
		e := q.head
		q.head = e.next
		e.next = nil
		delete(q.byID, e.id)
		dispatch = append(dispatch, e)
	}
	var next time.Time
	if q.head != nil {
		next = q.head.due
	}
	q.mu.Unlock()

	for _, e := range dispatch {
		q.dispatch(e)
	}
	return next
}

func (q *Queue) dispatch(e *event) {
	if e.fast || q.fibers == nil {
		e.proc(e.arg)
		return
	}
	f, err := q.fibers.Alloc(fmt.Sprintf("event-%d", e.id), func(f *fiber.Fiber, arg any) any {
		e.proc(arg)
		return nil
	})
	if err != nil {
		// Allocation failed (hard cap reached): requeue with a small
		// delay rather than dropping the event.
		q.mu.Lock()
		e.due = time.Now().Add(10 * time.Millisecond)
		q.byID[e.id] = e
		q.insert(e)
		q.mu.Unlock()
		return
	}
	q.fibers.Main().Resume(f, e.arg)
	q.fibers.Free(f)
}

// maxServiceWait bounds how long ServiceEvents waits when the queue is
// empty, keeping deadline arithmetic elsewhere in the reactor sane.
const maxServiceWait = 5 * time.Second

// Waiter is the I/O wait engine's contribution to the service loop.
type Waiter interface {
	Wait(deadline time.Time) error
}

// ServiceEvents runs the event loop: drain due events, wait for the
// earlier of the next event deadline or an I/O readiness notification,
// repeat until stopping reports true.
func (q *Queue) ServiceEvents(stopping func() bool, waiter Waiter) error {
	for !stopping() {
		next := q.RunEvents(time.Now())
		deadline := next
		if deadline.IsZero() {
			deadline = time.Now().Add(maxServiceWait)
		}
		if err := waiter.Wait(deadline); err != nil {
			return err
		}
	}
	return nil
}
