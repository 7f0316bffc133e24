package reactor

import (
	"sync"
	"time"

	"github.com/embedthis/ioto-core/internal/fiber"
)

// Mask is a bitset of I/O readiness/timeout conditions.
type Mask uint32

const (
	Readable Mask = 1 << iota
	Writable
	Modified // peer-initiated change worth re-checking interest for
	Timeout
	Closed
)

// ReadyFD is one readiness notification from a Backend.
type ReadyFD struct {
	FD   int
	Mask Mask
}

// Backend is the platform readiness notifier (epoll, kqueue, ...). Engine
// is built against this interface so platform-specific files only need to
// implement it, never touch Engine's bookkeeping.
type Backend interface {
	Add(fd int, mask Mask) error
	Modify(fd int, mask Mask) error
	Remove(fd int) error
	// Poll blocks until an fd is ready or deadline passes (zero deadline
	// means wait forever), returning the fds that became ready.
	Poll(deadline time.Time) ([]ReadyFD, error)
	// Wakeup interrupts a concurrent Poll call from another goroutine.
	Wakeup() error
	Close() error
}

// WaitHandler is a main-fiber readiness callback installed via SetHandler.
type WaitHandler func(wp *Wait, mask Mask)

// Wait wraps one fd's readiness interest and parked-fiber bookkeeping.
type Wait struct {
	fd          int
	mask        Mask
	deadline    time.Time
	handler     WaitHandler
	parkedFiber *fiber.Fiber
}

func (wp *Wait) FD() int { return wp.fd }

// Engine maps fds to Wait objects and drives the configured Backend.
type Engine struct {
	mu      sync.Mutex
	backend Backend
	waits   map[int]*Wait
	fibers  *fiber.Engine
}

// NewEngine builds a wait engine over backend, resuming parked fibers
// through fibers' main fiber.
func NewEngine(backend Backend, fibers *fiber.Engine) *Engine {
	return &Engine{backend: backend, waits: make(map[int]*Wait), fibers: fibers}
}

func (e *Engine) Backend() Backend { return e.backend }

// AllocWait wraps fd in a new Wait with no interest registered yet.
func (e *Engine) AllocWait(fd int) *Wait {
	wp := &Wait{fd: fd}
	e.mu.Lock()
	e.waits[fd] = wp
	e.mu.Unlock()
	return wp
}

// FreeWait deregisters wp. Any fiber still parked on it is resumed with a
// compound mask so it observes that the wait object is gone.
func (e *Engine) FreeWait(wp *Wait) {
	e.mu.Lock()
	delete(e.waits, wp.fd)
	if wp.mask != 0 {
		_ = e.backend.Remove(wp.fd)
	}
	e.mu.Unlock()
	e.deliver(wp, Readable|Writable|Modified|Timeout)
}

// SetHandler installs a main-fiber readiness callback and interest mask.
func (e *Engine) SetHandler(wp *Wait, proc WaitHandler, mask Mask, deadline time.Time) error {
	wp.handler = proc
	return e.SetMask(wp, mask, deadline)
}

// SetMask updates wp's interest, translating the difference against the
// previous mask into Add/Modify/Remove calls on the backend.
func (e *Engine) SetMask(wp *Wait, mask Mask, deadline time.Time) error {
	prior := wp.mask
	wp.mask = mask
	wp.deadline = deadline
	if mask == prior {
		return nil
	}
	switch {
	case prior == 0 && mask != 0:
		return e.backend.Add(wp.fd, mask)
	case prior != 0 && mask == 0:
		return e.backend.Remove(wp.fd)
	default:
		return e.backend.Modify(wp.fd, mask)
	}
}

// WaitForIO parks caller until wp becomes ready per mask or deadline
// passes, then restores wp's previous interest before returning the mask
// that woke it (zero on timeout). caller must be the fiber invoking this
// from within its own body — ambient "current fiber" tracking is not
// used, see internal/fiber's design notes.
func (e *Engine) WaitForIO(caller *fiber.Fiber, wp *Wait, mask Mask, deadline time.Time) (Mask, error) {
	priorMask, priorDeadline := wp.mask, wp.deadline
	wp.parkedFiber = caller
	if err := e.SetMask(wp, mask, deadline); err != nil {
		wp.parkedFiber = nil
		return 0, err
	}
	result := caller.Yield(nil)
	wp.parkedFiber = nil
	_ = e.SetMask(wp, priorMask, priorDeadline)
	m, _ := result.(Mask)
	if m == Timeout {
		m = 0
	}
	return m, nil
}

func (e *Engine) deliver(wp *Wait, mask Mask) {
	if wp.handler != nil {
		wp.handler(wp, mask)
	}
	if wp.parkedFiber != nil {
		e.fibers.Main().Resume(wp.parkedFiber, mask)
	}
}

// Wait pumps one batch from the backend. Every ready fd's wait object is
// delivered its mask; fds whose deadline has passed (snapshotted before
// dispatch, so delivery cannot mutate the set being walked) are delivered
// a Timeout.
func (e *Engine) Wait(deadline time.Time) error {
	ready, err := e.backend.Poll(deadline)
	if err != nil {
		return err
	}
	for _, r := range ready {
		e.mu.Lock()
		wp, ok := e.waits[r.FD]
		e.mu.Unlock()
		if ok {
			e.deliver(wp, r.Mask)
		}
	}

	now := time.Now()
	e.mu.Lock()
	var timedOut []*Wait
	for _, wp := range e.waits {
		if !wp.deadline.IsZero() && !wp.deadline.After(now) {
			timedOut = append(timedOut, wp)
		}
	}
	e.mu.Unlock()
	for _, wp := range timedOut {
		e.deliver(wp, Timeout)
	}
	return nil
}

// Wakeup interrupts a concurrent Wait call, used when a foreign thread
// schedules an event and needs the main loop to turn sooner.
func (e *Engine) Wakeup() error { return e.backend.Wakeup() }

func (e *Engine) Close() error { return e.backend.Close() }
