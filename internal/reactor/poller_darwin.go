//go:build darwin

package reactor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/embedthis/ioto-core/internal/koderr"
)

// kqueueBackend is the edge-triggered (EV_CLEAR) kqueue Backend.
type kqueueBackend struct {
	kq           int
	wakeR, wakeW int
}

// NewBackend builds the platform readiness notifier for this GOOS.
func NewBackend() (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, koderr.New(koderr.CantCreate, "reactor.NewBackend", err)
	}
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		unix.Close(kq)
		return nil, koderr.New(koderr.CantCreate, "reactor.NewBackend", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	b := &kqueueBackend{kq: kq, wakeR: fds[0], wakeW: fds[1]}
	ev := unix.Kevent_t{
		Ident:  uint64(b.wakeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		b.Close()
		return nil, koderr.New(koderr.CantCreate, "reactor.NewBackend", err)
	}
	return b, nil
}

func (b *kqueueBackend) changeFor(fd int, mask Mask) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if mask&Readable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if mask&Writable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	return changes
}

func (b *kqueueBackend) Add(fd int, mask Mask) error {
	_, err := unix.Kevent(b.kq, b.changeFor(fd, mask), nil, nil)
	return wrapErrnoIgnoringMissing(err)
}

func (b *kqueueBackend) Modify(fd int, mask Mask) error {
	_, err := unix.Kevent(b.kq, b.changeFor(fd, mask), nil, nil)
	return wrapErrnoIgnoringMissing(err)
}

func (b *kqueueBackend) Remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return wrapErrnoIgnoringMissing(err)
}

func (b *kqueueBackend) Poll(deadline time.Time) ([]ReadyFD, error) {
	var ts *unix.Timespec
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		t := unix.NsecToTimespec(d.Nanoseconds())
		ts = &t
	}
	events := make([]unix.Kevent_t, 64)
	n, err := unix.Kevent(b.kq, nil, events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, koderr.New(koderr.Network, "kqueue.Poll", err)
	}

	byFD := make(map[int]Mask, n)
	for i := 0; i < n; i++ {
		fd := int(events[i].Ident)
		if fd == b.wakeR {
			var buf [64]byte
			for {
				if _, err := unix.Read(b.wakeR, buf[:]); err != nil {
					break
				}
			}
			continue
		}
		switch events[i].Filter {
		case unix.EVFILT_READ:
			byFD[fd] |= Readable
		case unix.EVFILT_WRITE:
			byFD[fd] |= Writable
		}
		if events[i].Flags&unix.EV_EOF != 0 {
			byFD[fd] |= Closed
		}
	}
	ready := make([]ReadyFD, 0, len(byFD))
	for fd, m := range byFD {
		ready = append(ready, ReadyFD{FD: fd, Mask: m})
	}
	return ready, nil
}

func (b *kqueueBackend) Wakeup() error {
	_, err := unix.Write(b.wakeW, []byte{0})
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (b *kqueueBackend) Close() error {
	unix.Close(b.wakeR)
	unix.Close(b.wakeW)
	return unix.Close(b.kq)
}

// wrapErrnoIgnoringMissing tolerates ENOENT from EV_DELETE on a filter
// that was never added — the Add/Modify/Remove trio always issues both
// filter changes regardless of which one was previously active.
func wrapErrnoIgnoringMissing(err error) error {
	if err == nil || err == unix.ENOENT {
		return nil
	}
	return koderr.New(koderr.Network, "kqueue", err)
}
