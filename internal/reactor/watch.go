package reactor

import "sync"

// WatchProc is a named-watcher callback.
type WatchProc func(name string, data any)

type watcher struct {
	id   uint64
	proc WatchProc
	data any
}

// WatchRegistry is the publish/subscribe substrate behind a queue's named
// watch/signal API: handlers register under a name and fan out together
// when that name is signaled.
type WatchRegistry struct {
	mu     sync.Mutex
	byName map[string][]*watcher
	nextID uint64
	queue  *Queue
}

// NewWatchRegistry creates a registry that posts async signals through q.
func NewWatchRegistry(q *Queue) *WatchRegistry {
	return &WatchRegistry{byName: make(map[string][]*watcher), queue: q}
}

// Watch registers proc under name, returning an id usable with WatchOff.
func (r *WatchRegistry) Watch(name string, proc WatchProc, data any) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	w := &watcher{id: r.nextID, proc: proc, data: data}
	r.byName[name] = append(r.byName[name], w)
	return w.id
}

// WatchOff removes a single watcher previously registered under name.
func (r *WatchRegistry) WatchOff(name string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byName[name]
	for i, w := range list {
		if w.id == id {
			r.byName[name] = append(list[:i], list[i+1:]...)
			if len(r.byName[name]) == 0 {
				delete(r.byName, name)
			}
			return
		}
	}
}

// Signal posts one event per watcher registered under name, each running
// on its own attached fiber via the queue.
func (r *WatchRegistry) Signal(name string) {
	for _, w := range r.snapshot(name) {
		w := w
		r.queue.StartEvent(func(arg any) { w.proc(name, w.data) }, nil, 0)
	}
}

// SignalSync invokes every watcher registered under name in-line, in
// registration order, passing arg instead of each watcher's own data.
func (r *WatchRegistry) SignalSync(name string, arg any) {
	for _, w := range r.snapshot(name) {
		w.proc(name, arg)
	}
}

func (r *WatchRegistry) snapshot(name string) []*watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*watcher, len(r.byName[name]))
	copy(out, r.byName[name])
	return out
}
