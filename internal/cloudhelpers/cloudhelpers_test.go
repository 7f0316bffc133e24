package cloudhelpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/reactor"
)

type fakeTransport struct {
	published []fakePublish
	handlers  map[string]func(topic string, payload []byte)
}

type fakePublish struct {
	topic   string
	payload []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(topic string, payload []byte))}
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.published = append(f.published, fakePublish{topic: topic, payload: payload})
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) deliver(topic string, payload []byte) {
	if h, ok := f.handlers[topic]; ok {
		h(topic, payload)
	}
}

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	fe := fiber.New(fiber.Config{})
	r, err := reactor.New(fe)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func pump(r *reactor.Reactor) {
	r.Queue.RunEvents(time.Now().Add(time.Second))
}
