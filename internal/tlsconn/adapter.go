//go:build unix

package tlsconn

import (
	"io"
	"net"
	"time"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/koderr"
	"github.com/embedthis/ioto-core/internal/netio"
)

// connAdapter presents a netio.Socket as an io.ReadWriter suitable for
// tls.Server/tls.Client, whose own Read/Write calls cooperatively park
// the bound fiber rather than blocking an OS thread.
type connAdapter struct {
	sock     *netio.Socket
	caller   *fiber.Fiber
	deadline time.Time
}

func (c *connAdapter) Read(b []byte) (int, error) {
	n, err := c.sock.Read(c.caller, b, c.deadline)
	if err != nil {
		if koderr.Of(err) == koderr.NotConnected {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

func (c *connAdapter) Write(b []byte) (int, error) {
	return c.sock.Write(c.caller, b, c.deadline)
}

// tlsconn owns the socket's lifecycle independently of the TLS session,
// so Close here is intentionally a no-op.
func (c *connAdapter) Close() error { return nil }

func (c *connAdapter) LocalAddr() net.Addr  { return tlsAddr{} }
func (c *connAdapter) RemoteAddr() net.Addr { return tlsAddr{} }

func (c *connAdapter) SetDeadline(t time.Time) error {
	c.deadline = t
	return nil
}
func (c *connAdapter) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *connAdapter) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

// tlsAddr is a placeholder net.Addr: the raw-syscall socket layer doesn't
// track a net.Addr for its fds, and crypto/tls never inspects the value.
type tlsAddr struct{}

func (tlsAddr) Network() string { return "tcp" }
func (tlsAddr) String() string  { return "" }
