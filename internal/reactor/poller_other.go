//go:build !linux && !darwin

package reactor

import (
	"time"

	"github.com/embedthis/ioto-core/internal/koderr"
)

// NewBackend has no implementation on this GOOS. The rest of the runtime
// (internal/netio in particular) is built directly on
// golang.org/x/sys/unix raw socket syscalls so the reactor's epoll/kqueue
// backend keeps exclusive control of each fd end to end; that package
// does not compile outside linux/darwin either, so a third backend here
// would be unreachable dead code. A genuinely portable build would give
// internal/netio a net.Conn-backed implementation and this file a
// matching per-connection, deadline-driven Backend — tracked as an open
// extension point, not built speculatively against zero callers.
func NewBackend() (Backend, error) {
	return nil, koderr.New(koderr.CantCreate, "reactor.NewBackend", errUnsupportedPlatform)
}

var errUnsupportedPlatform = platformError("reactor: no wait-engine backend for this platform")

type platformError string

func (e platformError) Error() string { return string(e) }
