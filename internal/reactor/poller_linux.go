//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/embedthis/ioto-core/internal/koderr"
)

// epollBackend is the edge-triggered epoll Backend. A self-pipe is
// registered alongside real fds so Wakeup can interrupt a blocked Poll
// from another goroutine without a signal handler.
type epollBackend struct {
	epfd         int
	wakeR, wakeW int
}

// NewBackend builds the platform readiness notifier for this GOOS.
func NewBackend() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, koderr.New(koderr.CantCreate, "reactor.NewBackend", err)
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, koderr.New(koderr.CantCreate, "reactor.NewBackend", err)
	}
	b := &epollBackend{epfd: epfd, wakeR: fds[0], wakeW: fds[1]}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(b.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, b.wakeR, &ev); err != nil {
		b.Close()
		return nil, koderr.New(koderr.CantCreate, "reactor.NewBackend", err)
	}
	return b, nil
}

func epollEvents(m Mask) uint32 {
	ev := uint32(unix.EPOLLET)
	if m&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (b *epollBackend) Add(fd int, mask Mask) error {
	ev := unix.EpollEvent{Events: epollEvents(mask), Fd: int32(fd)}
	return wrapErrno("epoll.Add", unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev))
}

func (b *epollBackend) Modify(fd int, mask Mask) error {
	ev := unix.EpollEvent{Events: epollEvents(mask), Fd: int32(fd)}
	return wrapErrno("epoll.Modify", unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev))
}

func (b *epollBackend) Remove(fd int) error {
	return wrapErrno("epoll.Remove", unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil))
}

func (b *epollBackend) Poll(deadline time.Time) ([]ReadyFD, error) {
	timeout := -1
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		timeout = int(d / time.Millisecond)
	}
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(b.epfd, events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, koderr.New(koderr.Network, "epoll.Poll", err)
	}
	ready := make([]ReadyFD, 0, n)
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == b.wakeR {
			var buf [64]byte
			for {
				if _, err := unix.Read(b.wakeR, buf[:]); err != nil {
					break
				}
			}
			continue
		}
		var m Mask
		if events[i].Events&unix.EPOLLIN != 0 {
			m |= Readable
		}
		if events[i].Events&unix.EPOLLOUT != 0 {
			m |= Writable
		}
		if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			m |= Closed
		}
		ready = append(ready, ReadyFD{FD: fd, Mask: m})
	}
	return ready, nil
}

func (b *epollBackend) Wakeup() error {
	_, err := unix.Write(b.wakeW, []byte{0})
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (b *epollBackend) Close() error {
	unix.Close(b.wakeR)
	unix.Close(b.wakeW)
	return unix.Close(b.epfd)
}

func wrapErrno(op string, err error) error {
	if err == nil {
		return nil
	}
	return koderr.New(koderr.Network, op, err)
}
