// Package fiber implements a stackful-coroutine engine on top of
// goroutines and channels rather than hand-rolled architecture-specific
// context switching.
//
// A fiber's stack is just whatever stack the backing goroutine happens to
// have — the Go runtime already grows and shrinks it on demand, so there
// is no separate guard-page-and-SIGSEGV growable-stack subsystem to
// maintain here beyond the pooling policy implemented in this file.
//
// "Main fiber" is not a goroutine this package spawns — it is whichever
// goroutine holds the sentinel returned by Engine.Main(), conventionally
// the one running the reactor's event loop. Resume behaves differently
// depending on whether the caller passes that sentinel or a pooled fiber,
// without resorting to goroutine-local ambient state.
package fiber

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/embedthis/ioto-core/internal/koderr"
)

// State is a fiber's lifecycle stage.
type State int

const (
	StateNew State = iota
	StateRunning
	StateParked // yielded, awaiting resume (not pooled — e.g. suspended on I/O)
	StatePooled // yielded after completing work, available for reuse
	StateDone
)

// Proc is a fiber body. f is the fiber's own handle, used to Yield from
// within the body; arg is the value delivered by the resume that started
// or most recently resumed this run.
type Proc func(f *Fiber, arg any) any

// Scheduler is the minimal slice of the reactor's timer queue that the
// fiber engine needs to implement Sleep() and cross-goroutine Resume().
// Injected rather than imported directly to avoid a fiber<->reactor
// import cycle (the reactor itself schedules fibers).
type Scheduler interface {
	// After arranges for fn to run once, not before d has elapsed, on the
	// scheduler's own turn (i.e. the reactor's main loop).
	After(d time.Duration, fn func())
	// Post arranges for fn to run on the scheduler's next turn.
	Post(fn func())
}

// Fiber is one schedulable unit of execution.
type Fiber struct {
	id        uint64
	name      string
	engine    *Engine
	proc      Proc
	resumeCh  chan any
	yieldCh   chan any
	killCh    chan struct{}
	state     State
	idleSince time.Time
}

func (f *Fiber) ID() uint64   { return f.id }
func (f *Fiber) Name() string { return f.name }
func (f *Fiber) State() State { return f.state }
func (f *Fiber) IsMain() bool { return f == f.engine.main }

// abortSignal is the panic value used to implement Abort() as an
// immediate, non-local exit from the fiber body.
type abortSignal struct{}

// Stats exposes pool behavior for tests and telemetry.
type Stats struct {
	Allocs     uint64
	PoolHits   uint64
	PoolMisses uint64
	Frees      uint64
	Active     int
	Pooled     int
}

// Engine owns the fiber pool and the hard cap on concurrently active fibers.
type Engine struct {
	mu          sync.Mutex
	pool        []*Fiber
	poolMax     int
	poolMin     int
	idleTimeout time.Duration
	hardCap     int
	activeCount int
	nextID      uint64
	scheduler   Scheduler
	main        *Fiber

	stats Stats
}

// Config bounds the engine's pooling and admission behavior.
type Config struct {
	// PoolMax caps how many completed fibers are kept ready for reuse.
	PoolMax int
	// PoolMin is the floor Prune will not shrink the pool below.
	PoolMin int
	// IdleTimeout is how long a pooled fiber may sit unused before Prune
	// reclaims it (subject to PoolMin).
	IdleTimeout time.Duration
	// HardCap is the maximum number of simultaneously active (non-pooled)
	// fibers Alloc will create; 0 means unbounded.
	HardCap int
}

// New creates an Engine and its main-fiber sentinel.
func New(cfg Config) *Engine {
	if cfg.PoolMax <= 0 {
		cfg.PoolMax = 64
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	e := &Engine{
		poolMax:     cfg.PoolMax,
		poolMin:     cfg.PoolMin,
		idleTimeout: cfg.IdleTimeout,
		hardCap:     cfg.HardCap,
	}
	e.main = &Fiber{id: 0, name: "main", engine: e, state: StateRunning}
	return e
}

// SetScheduler wires the reactor (or a test double) that backs Sleep and
// cross-goroutine Resume. Must be called before any fiber invokes Sleep
// or is resumed from outside the main fiber.
func (e *Engine) SetScheduler(s Scheduler) { e.scheduler = s }

// Main returns the sentinel fiber representing the event-loop goroutine.
func (e *Engine) Main() *Fiber { return e.main }

// Stats returns a snapshot of pool/admission counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Active = e.activeCount
	s.Pooled = len(e.pool)
	return s
}

// Alloc obtains a fiber that will run proc on its first resume, drawing
// from the pool when possible. Fails with koderr.TooMany if HardCap would
// be exceeded by creating a fresh fiber.
func (e *Engine) Alloc(name string, proc Proc) (*Fiber, error) {
	e.mu.Lock()
	if n := len(e.pool); n > 0 {
		f := e.pool[n-1]
		e.pool = e.pool[:n-1]
		e.stats.PoolHits++
		e.mu.Unlock()
		f.name = name
		f.proc = proc
		return f, nil
	}
	if e.hardCap > 0 && e.activeCount >= e.hardCap {
		e.mu.Unlock()
		return nil, koderr.New(koderr.TooMany, "fiber.Alloc", nil)
	}
	e.activeCount++
	e.stats.Allocs++
	e.stats.PoolMisses++
	e.mu.Unlock()

	id := atomic.AddUint64(&e.nextID, 1)
	f := &Fiber{
		id:       id,
		name:     name,
		engine:   e,
		proc:     proc,
		resumeCh: make(chan any),
		yieldCh:  make(chan any),
		killCh:   make(chan struct{}),
		state:    StateNew,
	}
	go e.trampoline(f)
	return f, nil
}

// trampoline is the fiber's backing goroutine body: it runs proc to
// completion, parks the goroutine for reuse, and repeats.
func (e *Engine) trampoline(f *Fiber) {
	arg := <-f.resumeCh
	for {
		result, aborted := runBody(f, arg)
		if aborted {
			f.state = StateDone
			f.yieldCh <- result
			return
		}
		f.state = StatePooled
		f.idleSince = time.Now()
		f.yieldCh <- result

		select {
		case arg = <-f.resumeCh:
		case <-f.killCh:
			return
		}
		f.state = StateRunning
	}
}

func runBody(f *Fiber, arg any) (result any, aborted bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(abortSignal); ok {
				aborted = true
				return
			}
			panic(r)
		}
	}()
	result = f.proc(f, arg)
	return result, false
}

// Free releases ownership of f. A fiber that finished normally is
// returned to the pool (capped at PoolMax); one that aborted has its
// backing goroutine torn down immediately.
func (e *Engine) Free(f *Fiber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Frees++

	if f.state == StateDone || len(e.pool) >= e.poolMax {
		e.activeCount--
		close(f.killCh)
		return
	}
	f.idleSince = time.Now()
	e.pool = append(e.pool, f)
}

// Prune reclaims pooled fibers idle longer than IdleTimeout, never
// shrinking below PoolMin.
func (e *Engine) Prune(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.pool[:0]
	reclaimed := 0
	for _, f := range e.pool {
		if len(kept) < e.poolMin || now.Sub(f.idleSince) < e.idleTimeout {
			kept = append(kept, f)
			continue
		}
		e.activeCount--
		close(f.killCh)
		reclaimed++
	}
	e.pool = kept
	return reclaimed
}

// Yield suspends f, handing value to whoever resumes it next, and blocks
// until that resume delivers its own value.
func (f *Fiber) Yield(value any) any {
	f.state = StateParked
	f.yieldCh <- value
	v := <-f.resumeCh
	f.state = StateRunning
	return v
}

// Resume transfers control into target with value. When the caller is the
// engine's main fiber, this swaps in directly (matching a native
// stackful-coroutine swap). Otherwise it enqueues a zero-delay event on
// the scheduler and blocks the caller until that event performs the swap
// and target yields again — the goroutine analog of "resume from a
// non-main fiber enqueues an event; the caller still observes the
// eventual yielded value".
func (caller *Fiber) Resume(target *Fiber, value any) any {
	e := caller.engine
	if caller == e.main {
		return e.resumeDirect(target, value)
	}
	result := make(chan any, 1)
	e.scheduler.Post(func() {
		result <- e.resumeDirect(target, value)
	})
	return <-result
}

func (e *Engine) resumeDirect(target *Fiber, value any) any {
	target.resumeCh <- value
	return <-target.yieldCh
}

// Spawn allocates a fiber and schedules it to start on the reactor's
// next turn rather than running it synchronously on the caller.
func (e *Engine) Spawn(name string, proc Proc, arg any) (*Fiber, error) {
	f, err := e.Alloc(name, proc)
	if err != nil {
		return nil, err
	}
	e.scheduler.Post(func() {
		e.resumeDirect(f, arg)
	})
	return f, nil
}

// Sleep pauses the calling fiber. From the main fiber this is a real OS
// sleep; otherwise it schedules a wakeup and yields, freeing the event
// loop to run other work in the meantime.
func (f *Fiber) Sleep(d time.Duration) {
	if f == f.engine.main {
		time.Sleep(d)
		return
	}
	e := f.engine
	e.scheduler.After(d, func() {
		e.resumeDirect(f, nil)
	})
	f.Yield(nil)
}

// Abort marks the current fiber done and yields, never returning to its
// caller. It must be called from within the fiber's own Proc.
func (f *Fiber) Abort() {
	panic(abortSignal{})
}
