//go:build unix

// Package netio implements fiber-friendly, non-blocking TCP sockets
// directly on golang.org/x/sys/unix syscalls (not net.Conn) so every fd's
// readiness stays under the reactor's own epoll/kqueue control end to
// end, rather than layering a second event loop underneath Go's net
// package.
package netio

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/koderr"
	"github.com/embedthis/ioto-core/internal/reactor"
)

// AcceptHandler is invoked on a freshly spawned server fiber for each
// accepted connection. f is that fiber's own handle, needed to drive the
// connection's Read/Write calls.
type AcceptHandler func(f *fiber.Fiber, arg any, sock *Socket)

// Manager owns the reactor/fiber wiring and the global concurrent
// connection cap every listener shares.
type Manager struct {
	wait    *reactor.Engine
	fibers  *fiber.Engine
	connCap *semaphore.Weighted
}

// NewManager builds a Manager. maxConns <= 0 means unbounded.
func NewManager(wait *reactor.Engine, fibers *fiber.Engine, maxConns int64) *Manager {
	m := &Manager{wait: wait, fibers: fibers}
	if maxConns > 0 {
		m.connCap = semaphore.NewWeighted(maxConns)
	}
	return m
}

// Socket is one fiber-friendly non-blocking TCP endpoint.
type Socket struct {
	fd      int
	manager *Manager
	wp      *reactor.Wait
	closed  bool
}

// FD exposes the raw descriptor for layers (e.g. TLS) that need it.
func (s *Socket) FD() int { return s.fd }

// LocalPort reports the bound port, useful after Listen("host", 0, ...)
// picked an ephemeral one.
func (s *Socket) LocalPort() (int, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0, koderr.New(koderr.CantFind, "netio.LocalPort", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, koderr.New(koderr.BadState, "netio.LocalPort", nil)
	}
}

func newSocket(m *Manager, fd int) *Socket {
	s := &Socket{fd: fd, manager: m}
	s.wp = m.wait.AllocWait(fd)
	return s
}

func setCommonSockOpts(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return nil
}

// Connect resolves host, tries IPv4 addresses before IPv6, and connects
// the first one that succeeds. caller is the fiber driving this call
// (used to park on writability during the in-progress handshake).
func (m *Manager) Connect(caller *fiber.Fiber, host string, port int, deadline time.Time) (*Socket, error) {
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		return nil, koderr.New(koderr.CantConnect, "netio.Connect", err)
	}
	ordered := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			ordered = append(ordered, ip)
		}
	}
	for _, ip := range ips {
		if ip.IP.To4() == nil {
			ordered = append(ordered, ip)
		}
	}

	var lastErr error
	for _, ip := range ordered {
		sock, err := m.tryConnect(caller, ip.IP, port, deadline)
		if err == nil {
			return sock, nil
		}
		lastErr = err
	}
	return nil, koderr.New(koderr.CantConnect, "netio.Connect", lastErr)
}

func (m *Manager) tryConnect(caller *fiber.Fiber, ip net.IP, port int, deadline time.Time) (*Socket, error) {
	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, koderr.New(koderr.CantConnect, "netio.connect", err)
	}
	if err := setCommonSockOpts(fd); err != nil {
		unix.Close(fd)
		return nil, koderr.New(koderr.CantConnect, "netio.connect", err)
	}

	sa := toSockaddr(ip, port)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, koderr.New(koderr.CantConnect, "netio.connect", err)
	}

	sock := newSocket(m, fd)
	if err == unix.EINPROGRESS {
		if _, waitErr := m.wait.WaitForIO(caller, sock.wp, reactor.Writable, deadline); waitErr != nil {
			sock.Close()
			return nil, koderr.New(koderr.CantConnect, "netio.connect", waitErr)
		}
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soErr != 0 {
		sock.Close()
		return nil, koderr.New(koderr.CantConnect, "netio.connect", unix.Errno(soErr))
	}
	// A macOS-specific bug reports SO_ERROR == 0 on a socket that never
	// actually established; confirm with getpeername too.
	if _, err := unix.Getpeername(fd); err != nil {
		sock.Close()
		return nil, koderr.New(koderr.CantConnect, "netio.connect", err)
	}
	return sock, nil
}

func toSockaddr(ip net.IP, port int) unix.Sockaddr {
	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return &unix.SockaddrInet4{Port: port, Addr: addr}
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return &unix.SockaddrInet6{Port: port, Addr: addr}
}

// Listen binds host:port, preferring dual-stack IPv6 (disabling
// IPV6_V6ONLY) except for an explicit IPv4 loopback address, and
// registers handler as the accept callback for the main fiber.
func (m *Manager) Listen(host string, port int, handler AcceptHandler, arg any) (*Socket, error) {
	family := unix.AF_INET6
	bindAddr := net.ParseIP(host)
	v4Only := bindAddr != nil && bindAddr.To4() != nil && bindAddr.IsLoopback()
	if v4Only {
		family = unix.AF_INET
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, koderr.New(koderr.CantOpen, "netio.Listen", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if family == unix.AF_INET6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	if err := setCommonSockOpts(fd); err != nil {
		unix.Close(fd)
		return nil, koderr.New(koderr.CantOpen, "netio.Listen", err)
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		var addr [4]byte
		if bindAddr != nil {
			copy(addr[:], bindAddr.To4())
		}
		sa = &unix.SockaddrInet4{Port: port, Addr: addr}
	} else {
		sa = &unix.SockaddrInet6{Port: port}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, koderr.New(koderr.CantOpen, "netio.Listen", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, koderr.New(koderr.CantOpen, "netio.Listen", err)
	}

	sock := newSocket(m, fd)
	_ = m.wait.SetHandler(sock.wp, func(wp *reactor.Wait, mask reactor.Mask) {
		m.acceptLoop(sock, handler, arg)
	}, reactor.Readable, time.Time{})
	return sock, nil
}

// acceptLoop drains the listen backlog edge-triggered-style until EAGAIN,
// enforcing the manager's global connection cap and spawning one server
// fiber per accepted connection.
func (m *Manager) acceptLoop(listener *Socket, handler AcceptHandler, arg any) {
	for {
		nfd, _, err := unix.Accept(listener.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			return
		}
		if m.connCap != nil && !m.connCap.TryAcquire(1) {
			unix.Close(nfd)
			continue
		}
		if err := setCommonSockOpts(nfd); err != nil {
			unix.Close(nfd)
			if m.connCap != nil {
				m.connCap.Release(1)
			}
			continue
		}
		conn := newSocket(m, nfd)
		m.fibers.Spawn("accept-"+strconv.Itoa(nfd), func(f *fiber.Fiber, a any) any {
			defer func() {
				if m.connCap != nil {
					m.connCap.Release(1)
				}
			}()
			handler(f, arg, conn)
			return nil
		}, nil)
	}
}

// ReadSync performs one non-blocking recv, translating EAGAIN to
// would-block, EINTR to a retryable error, and ECONNRESET/zero-return to
// EOF per the socket layer's contract.
func (s *Socket) ReadSync(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return 0, translateIOErrno(err)
	}
	if n == 0 {
		return 0, koderr.New(koderr.NotConnected, "netio.ReadSync", os.ErrClosed)
	}
	return n, nil
}

// WriteSync performs one non-blocking send.
func (s *Socket) WriteSync(buf []byte) (int, error) {
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return 0, translateIOErrno(err)
	}
	return n, nil
}

func translateIOErrno(err error) error {
	switch err {
	case unix.EAGAIN, unix.EWOULDBLOCK:
		return koderr.New(koderr.WouldBlock, "netio.io", err)
	case unix.EINTR:
		return koderr.New(koderr.CantComplete, "netio.io", err)
	case unix.ECONNRESET:
		return koderr.New(koderr.NotConnected, "netio.io", os.ErrClosed)
	default:
		return koderr.New(koderr.CantRead, "netio.io", err)
	}
}

// Read loops ReadSync, parking the calling fiber on readability via the
// reactor between attempts, until it makes progress or deadline passes.
func (s *Socket) Read(caller *fiber.Fiber, buf []byte, deadline time.Time) (int, error) {
	for {
		n, err := s.ReadSync(buf)
		if err == nil {
			return n, nil
		}
		if koderr.Of(err) != koderr.WouldBlock {
			return 0, err
		}
		mask, waitErr := s.manager.wait.WaitForIO(caller, s.wp, reactor.Readable, deadline)
		if waitErr != nil {
			return 0, waitErr
		}
		if mask == 0 {
			return 0, koderr.New(koderr.Timeout, "netio.Read", nil)
		}
		if mask&reactor.Closed != 0 {
			return 0, koderr.New(koderr.NotConnected, "netio.Read", os.ErrClosed)
		}
	}
}

// Write loops WriteSync the same way Read loops ReadSync.
func (s *Socket) Write(caller *fiber.Fiber, buf []byte, deadline time.Time) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.WriteSync(buf[total:])
		if err != nil {
			if koderr.Of(err) != koderr.WouldBlock {
				return total, err
			}
			mask, waitErr := s.manager.wait.WaitForIO(caller, s.wp, reactor.Writable, deadline)
			if waitErr != nil {
				return total, waitErr
			}
			if mask == 0 {
				return total, koderr.New(koderr.Timeout, "netio.Write", nil)
			}
			if mask&reactor.Closed != 0 {
				return total, koderr.New(koderr.NotConnected, "netio.Write", os.ErrClosed)
			}
			continue
		}
		total += n
	}
	return total, nil
}

// Close always shuts down both directions before closing the fd — this
// defeats a known macOS "poisoned TCB" failure mode under high load — and
// resumes any fiber parked on this socket with a synthetic closure event.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.manager.wait.FreeWait(s.wp)
	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
	return unix.Close(s.fd)
}

// Sendfile transfers up to count bytes from file starting at offset,
// re-arming writability as needed on partial transfers.
func (s *Socket) Sendfile(caller *fiber.Fiber, file *os.File, offset int64, count int, deadline time.Time) (int64, error) {
	remaining := count
	var total int64
	off := offset
	for remaining > 0 {
		n, err := unix.Sendfile(s.fd, int(file.Fd()), &off, remaining)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				mask, waitErr := s.manager.wait.WaitForIO(caller, s.wp, reactor.Writable, deadline)
				if waitErr != nil {
					return total, waitErr
				}
				if mask == 0 {
					return total, koderr.New(koderr.Timeout, "netio.Sendfile", nil)
				}
				continue
			}
			return total, koderr.New(koderr.CantWrite, "netio.Sendfile", err)
		}
		if n == 0 {
			break
		}
		total += int64(n)
		remaining -= n
	}
	return total, nil
}
