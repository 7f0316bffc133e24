package syncstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/reactor"
	"github.com/embedthis/ioto-core/internal/store"
	"github.com/embedthis/ioto-core/internal/store/memstore"
)

// fakeTransport records published messages and lets a test manually
// deliver a message to every handler whose subscription matches the
// topic, where a "+" segment matches any single topic level.
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
	for pattern, h := range f.handlers {
		if topicMatches(pattern, topic) {
			h(topic, payload)
		}
	}
}

func topicMatches(pattern, topic string) bool {
	p, t := strings.Split(pattern, "/"), strings.Split(topic, "/")
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "+" && p[i] != t[i] {
			return false
		}
	}
	return true
}

func (f *fakeTransport) lastBatch(t *testing.T) syncBatch {
	t.Helper()
	require.NotEmpty(t, f.published)
	var b syncBatch
	require.NoError(t, json.Unmarshal(f.published[len(f.published)-1].payload, &b))
	return b
}

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	fe := fiber.New(fiber.Config{})
	r, err := reactor.New(fe)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newTestManager(t *testing.T, dir string, durable bool) (*Manager, *memstore.Store, *fakeTransport, *reactor.Reactor) {
	t.Helper()
	r := newTestReactor(t)
	db := memstore.New()
	tr := newFakeTransport()
	m, err := New(Config{
		DeviceID:           "dev-1",
		Dir:                dir,
		Durable:            durable,
		LingerDelay:        10 * time.Millisecond,
		RetransmitDelay:    time.Minute,
		MaxSyncMessageSize: 4096,
	}, db, tr, r)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, db, tr, r
}

func ackTopic() string { return "ioto/device/dev-1/sync/SYNC" }

func TestCaptureCoalescesUnpinnedRecord(t *testing.T) {
	m, db, _, _ := newTestManager(t, t.TempDir(), false)

	require.NoError(t, db.Upsert("devices", "k1", store.Item{"name": "a", "updated": "2026-01-01T00:00:00Z"}))
	require.NoError(t, db.Upsert("devices", "k1", store.Item{"name": "b", "updated": "2026-01-01T00:00:01Z"}))

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.pending, 1)
	assert.Equal(t, "b", m.pending["k1"].item["name"])
}

func TestFlushPublishesBatchAndPinsRecords(t *testing.T) {
	m, db, tr, r := newTestManager(t, t.TempDir(), false)

	require.NoError(t, db.Upsert("devices", "k1", store.Item{"name": "a", "updated": "2026-01-01T00:00:00Z"}))
	time.Sleep(20 * time.Millisecond)
	r.Queue.RunEvents(time.Now().Add(time.Second))

	batch := tr.lastBatch(t)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, "k1", batch.Changes[0].Key)
	assert.Equal(t, "upsert", batch.Changes[0].Cmd)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, batch.Seq, m.pending["k1"].seq)
}

func TestAckBatchClearsPendingAndResetsLog(t *testing.T) {
	dir := t.TempDir()
	m, db, tr, r := newTestManager(t, dir, true)

	require.NoError(t, db.Upsert("devices", "k1", store.Item{"updated": "2026-01-01T00:00:00Z"}))
	require.NoError(t, db.Upsert("devices", "k2", store.Item{"updated": "2026-01-01T00:00:00Z"}))
	require.NoError(t, db.Upsert("devices", "k3", store.Item{"updated": "2026-01-01T00:00:00Z"}))
	time.Sleep(20 * time.Millisecond)
	r.Queue.RunEvents(time.Now().Add(time.Second))

	batch := tr.lastBatch(t)
	require.Len(t, batch.Changes, 3)

	ack, _ := json.Marshal(syncAck{Seq: batch.Seq, Keys: []string{"k1", "k2", "k3"}, Updated: "2026-01-01T00:00:00Z"})
	tr.deliver(ackTopic(), ack)

	m.mu.Lock()
	assert.Empty(t, m.pending)
	assert.Equal(t, "2026-01-01T00:00:00Z", m.lastSync)
	m.mu.Unlock()

	logPath := filepath.Join(dir, "dev-1.db.sync")
	records, err := replaySyncLog(logPath)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAckOnDirtyRecordReopensWithSupersedingValue(t *testing.T) {
	m, db, tr, r := newTestManager(t, t.TempDir(), false)

	require.NoError(t, db.Upsert("devices", "k1", store.Item{"name": "first", "updated": "2026-01-01T00:00:00Z"}))
	time.Sleep(20 * time.Millisecond)
	r.Queue.RunEvents(time.Now().Add(time.Second))
	batch := tr.lastBatch(t)

	// A second write lands while the first is still pinned in flight.
	require.NoError(t, db.Upsert("devices", "k1", store.Item{"name": "second", "updated": "2026-01-01T00:00:05Z"}))

	m.mu.Lock()
	assert.True(t, m.pending["k1"].dirty)
	m.mu.Unlock()

	ack, _ := json.Marshal(syncAck{Seq: batch.Seq, Keys: []string{"k1"}, Updated: "2026-01-01T00:00:00Z"})
	tr.deliver(ackTopic(), ack)

	m.mu.Lock()
	rec, ok := m.pending["k1"]
	m.mu.Unlock()
	require.True(t, ok)
	assert.False(t, rec.dirty)
	assert.Equal(t, "second", rec.item["name"])
	assert.Zero(t, rec.seq)
}

func TestIncomingFreshMutationAppliesWithBypass(t *testing.T) {
	m, db, tr, _ := newTestManager(t, t.TempDir(), false)

	payload, _ := json.Marshal(incomingChange{
		Key:     "k9",
		Item:    store.Item{"name": "from-cloud", "updated": "2026-02-01T00:00:00Z"},
		Updated: "2026-02-01T00:00:00Z",
	})
	tr.deliver(fmt.Sprintf("ioto/device/%s/sync/devices/UPSERT", "dev-1"), payload)

	item, ok := db.Get("devices", "k9")
	require.True(t, ok)
	assert.Equal(t, "from-cloud", item["name"])

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pending, "a bypass-applied mutation must not be re-captured as an outbound change")
}

func TestIncomingStaleMutationIsRejectedAndResent(t *testing.T) {
	m, db, tr, _ := newTestManager(t, t.TempDir(), false)

	require.NoError(t, db.Upsert("devices", "k1", store.Item{"name": "local", "updated": "2026-03-01T00:00:10Z"}))
	// Drain the outbound change captured by that local write so the test
	// observes only the resend triggered by the rejected incoming update.
	m.mu.Lock()
	m.pending = map[string]*changeRecord{}
	m.mu.Unlock()

	payload, _ := json.Marshal(incomingChange{
		Key:     "k1",
		Item:    store.Item{"name": "stale-from-cloud", "updated": "2026-03-01T00:00:00Z"},
		Updated: "2026-03-01T00:00:00Z",
	})
	tr.deliver(fmt.Sprintf("ioto/device/%s/sync/devices/UPSERT", "dev-1"), payload)

	item, ok := db.Get("devices", "k1")
	require.True(t, ok)
	assert.Equal(t, "local", item["name"], "a stale incoming mutation must not overwrite the newer local value")

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Contains(t, m.pending, "k1")
	assert.Equal(t, "local", m.pending["k1"].item["name"])
}

func TestCrashRecoveryReplaysDurableLogIntoPendingTable(t *testing.T) {
	dir := t.TempDir()
	m1, db1, tr1, r1 := newTestManager(t, dir, true)
	require.NoError(t, db1.Upsert("devices", "k1", store.Item{"name": "a", "updated": "2026-01-01T00:00:00Z"}))
	_ = tr1
	_ = r1
	require.NoError(t, m1.Close())

	_, _, tr2, r2 := newTestManager(t, dir, true)
	r2.Queue.RunEvents(time.Now().Add(time.Second))

	require.NotEmpty(t, tr2.published)
	batch := tr2.lastBatch(t)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, "k1", batch.Changes[0].Key)
}

func TestCommandTableDispatchesKnownAndUnknownCommands(t *testing.T) {
	m, db, _, r := newTestManager(t, t.TempDir(), false)

	var rebooted, customName string
	r.Watch("device:reboot", func(string, any) { rebooted = "yes" }, nil)
	r.Watch("device:command:custom-name", func(_ string, data any) {
		customName, _ = data.(store.Item)["name"].(string)
	}, nil)

	require.NoError(t, db.Upsert(m.cfg.CommandTable, "c1", store.Item{"name": "reboot"}))
	r.Queue.RunEvents(time.Now().Add(time.Second))
	assert.Equal(t, "yes", rebooted)

	require.NoError(t, db.Upsert(m.cfg.CommandTable, "c2", store.Item{"name": "custom-name"}))
	assert.Equal(t, "custom-name", customName)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pending, "command-table writes must not be captured as data-sync changes")
}
