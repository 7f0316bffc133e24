//go:build unix

package netio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/reactor"
)

func TestEchoRoundTripOverLoopback(t *testing.T) {
	fe := fiber.New(fiber.Config{})
	r, err := reactor.New(fe)
	require.NoError(t, err)
	defer r.Close()

	mgr := NewManager(r.Wait, fe, 4)

	echo := func(f *fiber.Fiber, arg any, sock *Socket) {
		defer sock.Close()
		buf := make([]byte, 64)
		n, err := sock.Read(f, buf, time.Now().Add(5*time.Second))
		if err != nil {
			return
		}
		_, _ = sock.Write(f, buf[:n], time.Now().Add(5*time.Second))
	}

	listener, err := mgr.Listen("127.0.0.1", 0, echo, nil)
	require.NoError(t, err)
	defer listener.Close()

	addr, err := listener.LocalPort()
	require.NoError(t, err)

	result := make(chan string, 1)
	_, err = fe.Spawn("client", func(f *fiber.Fiber, arg any) any {
		sock, err := mgr.Connect(f, "127.0.0.1", addr, time.Now().Add(5*time.Second))
		if err != nil {
			result <- "connect error: " + err.Error()
			return nil
		}
		defer sock.Close()

		if _, err := sock.Write(f, []byte("hello"), time.Now().Add(5*time.Second)); err != nil {
			result <- "write error: " + err.Error()
			return nil
		}
		buf := make([]byte, 64)
		n, err := sock.Read(f, buf, time.Now().Add(5*time.Second))
		if err != nil {
			result <- "read error: " + err.Error()
			return nil
		}
		result <- string(buf[:n])
		return nil
	}, nil)
	require.NoError(t, err)

	go func() { _ = r.Run() }()
	defer r.Stop()

	select {
	case got := <-result:
		assert.Equal(t, "hello", got)
	case <-time.After(10 * time.Second):
		t.Fatal("echo round trip timed out")
	}
}
