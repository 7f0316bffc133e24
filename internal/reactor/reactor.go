package reactor

import (
	"sync/atomic"
	"time"

	"github.com/embedthis/ioto-core/internal/fiber"
)

// Reactor wires the event/timer queue, the wait engine, and the fiber
// engine's Scheduler hook into one handle, matching the agent
// orchestrator's single "run the event loop" entry point.
type Reactor struct {
	Queue   *Queue
	Wait    *Engine
	Fibers  *fiber.Engine
	watches *WatchRegistry

	stopping atomic.Bool
}

// New builds a Reactor with the platform-appropriate Backend and wires it
// as fibers' Scheduler (satisfying Sleep and cross-fiber Resume).
func New(fibers *fiber.Engine) (*Reactor, error) {
	backend, err := NewBackend()
	if err != nil {
		return nil, err
	}
	q := NewQueue(fibers)
	w := NewEngine(backend, fibers)
	q.OnWake(func() { _ = w.Wakeup() })

	r := &Reactor{Queue: q, Wait: w, Fibers: fibers}
	r.watches = NewWatchRegistry(q)
	fibers.SetScheduler(r)
	return r, nil
}

// After implements fiber.Scheduler.
func (r *Reactor) After(d time.Duration, fn func()) {
	r.Queue.StartFastEvent(func(any) { fn() }, nil, d)
}

// Post implements fiber.Scheduler.
func (r *Reactor) Post(fn func()) {
	r.Queue.StartFastEvent(func(any) { fn() }, nil, 0)
}

// Watch registers a named watcher.
func (r *Reactor) Watch(name string, proc WatchProc, data any) uint64 {
	return r.watches.Watch(name, proc, data)
}

// WatchOff removes a previously registered watcher.
func (r *Reactor) WatchOff(name string, id uint64) { r.watches.WatchOff(name, id) }

// Signal posts an async event to every watcher registered under name.
func (r *Reactor) Signal(name string) { r.watches.Signal(name) }

// SignalSync invokes every watcher registered under name in-line.
func (r *Reactor) SignalSync(name string, arg any) { r.watches.SignalSync(name, arg) }

// Stop requests the service loop to exit after its current pass.
func (r *Reactor) Stop() {
	r.stopping.Store(true)
	_ = r.Wait.Wakeup()
}

// Stopping reports whether Stop has been called.
func (r *Reactor) Stopping() bool { return r.stopping.Load() }

// Run drives the service loop until Stop is called.
func (r *Reactor) Run() error {
	return r.Queue.ServiceEvents(r.Stopping, r.Wait)
}

// Close releases the backend's resources. Call after Run returns.
func (r *Reactor) Close() error { return r.Wait.Close() }
