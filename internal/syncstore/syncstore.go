// Package syncstore captures local database mutations, coalesces them
// into a pending change table, and drives the batch upload/acknowledge
// protocol that keeps a device's embedded store in sync with the cloud.
// It also applies cloud-initiated mutations pushed back down, rejecting
// stale ones against the local record's own clock, and watches a
// dedicated command table for cloud-issued device commands (reboot,
// reprovision, firmware update). It is built entirely against the
// store.Store interface, so it works unmodified with any backing engine.
package syncstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embedthis/ioto-core/internal/reactor"
	"github.com/embedthis/ioto-core/internal/store"
)

// Transport is the narrow publish/subscribe surface syncstore needs.
// *mqttconn.Manager satisfies this structurally.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// Config bundles the identifiers and tuning knobs the sync engine needs.
type Config struct {
	DeviceID string

	// SyncedTables restricts change capture to these tables. An empty
	// slice means every table except CommandTable is synced.
	SyncedTables []string

	// CommandTable is watched for cloud-issued device commands
	// independent of the data-sync path. Defaults to "Command".
	CommandTable string

	// Dir is the directory the durable sync log is kept in. The log
	// file is named "<DeviceID>.db.sync".
	Dir string

	// Durable enables the fsynced length-prefixed log backing crash
	// recovery. Devices with no durable store configured can disable
	// it, accepting that unacknowledged changes are lost on crash.
	Durable bool

	// LingerDelay debounces a freshly captured change before it
	// becomes eligible for flush, giving rapid-fire writes to the same
	// key a chance to coalesce into one outbound record.
	LingerDelay time.Duration

	// RetransmitDelay is how long a flushed (pinned) record waits for
	// an ack before it is eligible to be retransmitted.
	RetransmitDelay time.Duration

	// MaxSyncMessageSize bounds one batch envelope; once adding a
	// record would exceed it, the record spills into the next batch.
	MaxSyncMessageSize int
}

func (c *Config) applyDefaults() {
	if c.CommandTable == "" {
		c.CommandTable = "Command"
	}
	if c.LingerDelay <= 0 {
		c.LingerDelay = 3 * time.Second
	}
	if c.RetransmitDelay <= 0 {
		c.RetransmitDelay = 5 * time.Second
	}
	if c.MaxSyncMessageSize <= 0 {
		c.MaxSyncMessageSize = 64 * 1024
	}
}

// changeRecord is one pending, not-yet-acknowledged mutation. At most one
// record is kept per key: a fresh capture overwrites an unpinned record
// in place, while a capture against a record already pinned in an
// in-flight batch is stashed in the next* fields instead of touching the
// in-flight state, and is applied once the in-flight batch is acked.
type changeRecord struct {
	cmd     store.ChangeCmd
	key     string
	item    store.Item
	updated string
	due     time.Time
	seq     uint64 // 0 means unpinned; nonzero pins it to an in-flight batch

	dirty       bool
	nextCmd     store.ChangeCmd
	nextItem    store.Item
	nextUpdated string
}

// Manager is the change-capture, sync-up, sync-down, and device-command
// engine. Construct with New and keep it alive for the runtime's
// lifetime; it installs a store.OnChange hook and transport
// subscriptions that assume single ownership of both.
type Manager struct {
	cfg       Config
	db        store.Store
	transport Transport
	reactor   *reactor.Reactor
	log       *syncLog

	mu       sync.Mutex
	pending  map[string]*changeRecord
	nextSeq  uint64
	lastSync string
	flushID  uint64
	flushDue time.Time

	applying atomic.Bool
}

// New builds a Manager, replays any durable log left behind by a prior
// crash into the pending table, and wires change capture, ack, and
// sync-down subscriptions. The caller is responsible for calling Close
// when the runtime shuts down.
func New(cfg Config, db store.Store, transport Transport, r *reactor.Reactor) (*Manager, error) {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		db:        db,
		transport: transport,
		reactor:   r,
		pending:   make(map[string]*changeRecord),
	}

	if cfg.Durable {
		logPath := filepath.Join(cfg.Dir, cfg.DeviceID+".db.sync")
		records, err := replaySyncLog(logPath)
		if err != nil {
			return nil, err
		}
		l, err := openSyncLog(logPath)
		if err != nil {
			return nil, err
		}
		// Rewrite the log from the replayed records so that a corrupt
		// tail is dropped instead of sitting ahead of new appends.
		if err := l.Reset(); err != nil {
			_ = l.Close()
			return nil, err
		}
		for _, rec := range records {
			if err := l.Append(rec); err != nil {
				_ = l.Close()
				return nil, err
			}
		}
		m.log = l
		now := time.Now()
		for _, rec := range records {
			var item store.Item
			if rec.payload != "" {
				if err := json.Unmarshal([]byte(rec.payload), &item); err != nil {
					continue
				}
			}
			m.pending[rec.key] = &changeRecord{
				cmd:     store.ChangeCmd(rec.cmd),
				key:     rec.key,
				item:    item,
				updated: rec.updated,
				due:     now,
			}
		}
		if len(m.pending) > 0 {
			m.scheduleFlushLocked(now)
		}
	}

	db.OnChange(m.onStoreChange)

	ackTopic := fmt.Sprintf("ioto/device/%s/sync/SYNC", cfg.DeviceID)
	if err := transport.Subscribe(ackTopic, m.onAck); err != nil {
		return nil, err
	}
	incomingTopic := fmt.Sprintf("ioto/device/%s/sync/+/+", cfg.DeviceID)
	if err := transport.Subscribe(incomingTopic, m.onIncoming); err != nil {
		return nil, err
	}
	r.Watch("mqtt:connected", func(string, any) { m.onConnected() }, nil)

	return m, nil
}

// Close releases the durable log's file handle.
func (m *Manager) Close() error {
	if m.log != nil {
		return m.log.Close()
	}
	return nil
}

func (m *Manager) isSyncedTable(table string) bool {
	if len(m.cfg.SyncedTables) == 0 {
		return true
	}
	for _, t := range m.cfg.SyncedTables {
		if t == table {
			return true
		}
	}
	return false
}

// itemUpdated reads an item's own last-modified clock, falling back to
// now when the caller never stamped one. Sync relies entirely on this
// RFC3339 field for coalescing order and last-writer-wins comparisons.
func itemUpdated(item store.Item) string {
	if v, ok := item["updated"].(string); ok && v != "" {
		return v
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (m *Manager) onStoreChange(table string, cmd store.ChangeCmd, key string, item store.Item) {
	if table == m.cfg.CommandTable {
		m.dispatchCommand(key, item)
		return
	}
	if m.applying.Load() {
		return
	}
	if !m.isSyncedTable(table) {
		return
	}
	m.captureChange(cmd, key, item)
}

func (m *Manager) dispatchCommand(key string, item store.Item) {
	name, _ := item["name"].(string)
	switch name {
	case "reboot":
		m.reactor.Signal("device:reboot")
	case "release", "reprovision":
		m.reactor.Signal("device:reprovision")
	case "update":
		m.reactor.Signal("device:update")
	default:
		m.reactor.SignalSync("device:command:"+name, item)
	}
}

// captureChange implements the coalescing rule: an unpinned record is
// overwritten in place; a pinned one is left untouched and the fresh
// value is stashed to apply once its in-flight batch is acknowledged.
func (m *Manager) captureChange(cmd store.ChangeCmd, key string, item store.Item) {
	updated := itemUpdated(item)

	m.mu.Lock()
	now := time.Now()
	due := now.Add(m.cfg.LingerDelay)
	rec, exists := m.pending[key]
	switch {
	case !exists:
		m.pending[key] = &changeRecord{cmd: cmd, key: key, item: item, updated: updated, due: due}
	case rec.seq == 0:
		rec.cmd, rec.item, rec.updated, rec.due = cmd, item, updated, due
	default:
		rec.dirty = true
		rec.nextCmd, rec.nextItem, rec.nextUpdated = cmd, item, updated
	}
	m.scheduleFlushLocked(due)
	m.mu.Unlock()

	if m.log != nil {
		payload, _ := json.Marshal(item)
		_ = m.log.Append(logRecord{cmd: string(cmd), payload: string(payload), key: key, updated: updated})
	}
}

// scheduleFlushLocked arms (or re-arms, if sooner) the single flush
// timer. Callers must hold m.mu.
func (m *Manager) scheduleFlushLocked(due time.Time) {
	if m.flushID != 0 && !m.flushDue.After(due) {
		return
	}
	if m.flushID != 0 {
		m.reactor.Queue.StopEvent(m.flushID)
	}
	id, err := m.reactor.Queue.StartFastEvent(func(any) { m.flush() }, nil, time.Until(due))
	if err != nil {
		return
	}
	m.flushID = id
	m.flushDue = due
}

type syncChange struct {
	Cmd  string     `json:"cmd"`
	Key  string     `json:"key"`
	Item store.Item `json:"item,omitempty"`
}

type syncBatch struct {
	Seq     uint64       `json:"seq"`
	Changes []syncChange `json:"changes"`
}

// flush publishes every due, unpinned pending record as one or more
// sequenced batches, pinning each included record to its batch's
// sequence number and arming its retransmit deadline.
func (m *Manager) flush() {
	m.mu.Lock()
	m.flushID = 0

	now := time.Now()
	for _, rec := range m.pending {
		if rec.seq != 0 && !rec.due.After(now) {
			// Ack never arrived within the retransmit window; treat the
			// record as fresh again so it gets re-sent in a new batch.
			rec.seq = 0
		}
	}
	var due []*changeRecord
	for _, rec := range m.pending {
		if rec.seq == 0 && !rec.due.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })

	var soonest time.Time
	for _, rec := range m.pending {
		if rec.seq == 0 && (soonest.IsZero() || rec.due.Before(soonest)) {
			if rec.due.After(now) {
				soonest = rec.due
			}
		}
	}

	for len(due) > 0 {
		batch := syncBatch{Seq: m.nextSeq + 1}
		size := 0
		var included []*changeRecord
		for len(due) > 0 {
			rec := due[0]
			sc := syncChange{Cmd: string(rec.cmd), Key: rec.key, Item: rec.item}
			encoded, _ := json.Marshal(sc)
			if size > 0 && size+len(encoded) > m.cfg.MaxSyncMessageSize {
				break
			}
			size += len(encoded)
			batch.Changes = append(batch.Changes, sc)
			included = append(included, rec)
			due = due[1:]
		}
		if len(batch.Changes) == 0 {
			break
		}
		m.nextSeq++
		batch.Seq = m.nextSeq
		payload, err := json.Marshal(batch)
		if err == nil {
			topic := fmt.Sprintf("$aws/rules/IotoDevice/ioto/service/%s/db/syncToDynamo", m.cfg.DeviceID)
			if pubErr := m.transport.Publish(topic, payload); pubErr == nil {
				for _, rec := range included {
					rec.seq = batch.Seq
					rec.due = now.Add(m.cfg.RetransmitDelay)
				}
				if soonest.IsZero() || rec0Due(included).Before(soonest) {
					soonest = rec0Due(included)
				}
			}
		}
	}

	if !soonest.IsZero() {
		m.scheduleFlushLocked(soonest)
	}
	m.mu.Unlock()
}

func rec0Due(recs []*changeRecord) time.Time {
	if len(recs) == 0 {
		return time.Time{}
	}
	return recs[0].due
}

type syncAck struct {
	Seq     uint64   `json:"seq"`
	Keys    []string `json:"keys"`
	Updated string   `json:"updated"`
}

// onAck frees every acked key whose pending record is still pinned to
// the acked sequence. A key whose in-flight value was superseded while
// pinned (dirty) is reopened with the superseding value instead of being
// dropped, so no captured change is ever lost to an ack race. Once the
// pending table fully drains, the durable log is truncated.
func (m *Manager) onAck(_ string, payload []byte) {
	var ack syncAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range ack.Keys {
		rec, ok := m.pending[key]
		if !ok || rec.seq != ack.Seq {
			continue
		}
		if rec.dirty {
			rec.cmd, rec.item, rec.updated = rec.nextCmd, rec.nextItem, rec.nextUpdated
			rec.seq, rec.dirty = 0, false
			rec.nextItem = nil
			rec.due = time.Now()
			m.scheduleFlushLocked(rec.due)
		} else {
			delete(m.pending, key)
		}
	}
	if ack.Updated > m.lastSync {
		m.lastSync = ack.Updated
	}
	if len(m.pending) == 0 && m.log != nil {
		_ = m.log.Reset()
	}
}

// onConnected requests the cloud replay every change since lastSync,
// the sync-down half of the protocol.
func (m *Manager) onConnected() {
	m.mu.Lock()
	last := m.lastSync
	m.mu.Unlock()
	topic := fmt.Sprintf("$aws/rules/IotoDevice/ioto/service/%s/db/syncDown", m.cfg.DeviceID)
	payload, _ := json.Marshal(struct {
		Timestamp string `json:"timestamp"`
	}{Timestamp: last})
	_ = m.transport.Publish(topic, payload)
}

type incomingChange struct {
	Key     string     `json:"key"`
	Item    store.Item `json:"item,omitempty"`
	Updated string     `json:"updated"`
}

// onIncoming applies a cloud-pushed mutation delivered on
// ioto/device/<id>/sync/<table>/<CMD>. A local item whose own "updated"
// clock is at least as new as the incoming one wins (last-writer-wins):
// the incoming mutation is dropped and the local value is re-queued as a
// fresh outbound change instead, so the cloud's stale copy gets
// corrected rather than silently ignored.
func (m *Manager) onIncoming(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return
	}
	cmd := parts[len(parts)-1]
	table := parts[len(parts)-2]

	var in incomingChange
	if err := json.Unmarshal(payload, &in); err != nil {
		return
	}
	key := in.Key
	if key == "" {
		return
	}

	if local, ok := m.db.Get(table, key); ok {
		if itemUpdated(local) >= in.Updated {
			m.captureChange(store.ChangeUpsert, key, local)
			return
		}
	}

	m.applying.Store(true)
	defer m.applying.Store(false)

	switch strings.ToUpper(cmd) {
	case "REMOVE":
		_ = m.db.Remove(table, key)
	default: // INSERT, UPSERT, MODIFY
		_ = m.db.Upsert(table, key, in.Item)
	}
}
