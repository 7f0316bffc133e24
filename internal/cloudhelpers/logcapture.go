// Package cloudhelpers implements the device-side half of four cloud
// integrations: log capture/upload, shadow-state mirroring, firmware
// update, and metrics/key-value publishing. Each helper is independent
// and takes a mqttconn-shaped Transport, so the orchestrator wires in
// only the ones a given device profile enables.
package cloudhelpers

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/embedthis/ioto-core/internal/aihelper"
	"github.com/embedthis/ioto-core/internal/koderr"
	"github.com/embedthis/ioto-core/internal/reactor"
)

// Transport is the publish surface log capture and shadow need. It is
// the same shape internal/syncstore depends on; *mqttconn.Manager
// satisfies both without modification.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// LogCaptureConfig tunes one tailed file's batching policy.
type LogCaptureConfig struct {
	DeviceID    string
	Path        string // file tailed for new log records
	Topic       string // cloud-routing topic batches are published to
	LingerDelay time.Duration
	MaxBatch    int // event-count threshold
	MaxBytes    int // size threshold
	Summarizer  aihelper.Summarizer // optional; nil disables AI summary
}

func (c *LogCaptureConfig) applyDefaults() {
	if c.LingerDelay <= 0 {
		c.LingerDelay = 5 * time.Second
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 32 * 1024
	}
}

// LogCapture tails Path for newly appended lines, folding any line
// starting with whitespace into the previous record (the continuation-
// prefix rule), and flushes accumulated records as one batch when the
// linger timer fires or the count/byte threshold is crossed.
type LogCapture struct {
	cfg       LogCaptureConfig
	transport Transport
	reactor   *reactor.Reactor
	watcher   *fsnotify.Watcher

	mu       sync.Mutex
	offset   int64
	records  []string
	byteSize int
	flushID  uint64
}

type logBatch struct {
	Records []string `json:"records"`
	Summary string   `json:"summary,omitempty"`
}

// NewLogCapture opens Path (creating it if absent) and starts watching
// it for writes via fsnotify, falling back to polling if the watcher
// can't be established (e.g. an unsupported filesystem).
func NewLogCapture(cfg LogCaptureConfig, transport Transport, r *reactor.Reactor) (*LogCapture, error) {
	cfg.applyDefaults()
	if _, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDONLY, 0o600); err != nil {
		return nil, koderr.New(koderr.CantOpen, "cloudhelpers.NewLogCapture", err)
	}

	lc := &LogCapture{cfg: cfg, transport: transport, reactor: r}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(cfg.Path); err == nil {
			lc.watcher = watcher
			r.Queue.StartEvent(func(any) { lc.watchLoop() }, nil, 0)
		} else {
			_ = watcher.Close()
		}
	}
	if lc.watcher == nil {
		r.Queue.StartEvent(func(any) { lc.pollLoop() }, nil, time.Second)
	}
	return lc, nil
}

func (lc *LogCapture) watchLoop() {
	for {
		select {
		case ev, ok := <-lc.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				lc.drain()
			}
		case _, ok := <-lc.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (lc *LogCapture) pollLoop() {
	lc.drain()
	lc.reactor.Queue.StartEvent(func(any) { lc.pollLoop() }, nil, time.Second)
}

// drain reads any bytes appended since the last read, splits them into
// records, and folds continuation lines (those starting with
// whitespace) into the prior record.
func (lc *LogCapture) drain() {
	f, err := os.Open(lc.cfg.Path)
	if err != nil {
		return
	}
	defer f.Close()

	lc.mu.Lock()
	offset := lc.offset
	lc.mu.Unlock()
	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	var read int64
	var newRecords []string
	for scanner.Scan() {
		line := scanner.Text()
		read += int64(len(line)) + 1
		if len(newRecords) > 0 && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			newRecords[len(newRecords)-1] += "\n" + line
			continue
		}
		newRecords = append(newRecords, line)
	}
	if len(newRecords) == 0 {
		return
	}

	lc.mu.Lock()
	lc.offset += read
	lc.records = append(lc.records, newRecords...)
	for _, r := range newRecords {
		lc.byteSize += len(r)
	}
	count, size := len(lc.records), lc.byteSize
	if lc.flushID == 0 {
		id, err := lc.reactor.Queue.StartFastEvent(func(any) { lc.flush() }, nil, lc.cfg.LingerDelay)
		if err == nil {
			lc.flushID = id
		}
	}
	forceFlush := count >= lc.cfg.MaxBatch || size >= lc.cfg.MaxBytes
	lc.mu.Unlock()

	if forceFlush {
		lc.flush()
	}
}

// flush ships every accumulated record as one batch, optionally
// attaching an AI-generated summary when a Summarizer is configured.
func (lc *LogCapture) flush() {
	lc.mu.Lock()
	lc.flushID = 0
	if len(lc.records) == 0 {
		lc.mu.Unlock()
		return
	}
	records := lc.records
	lc.records = nil
	lc.byteSize = 0
	lc.mu.Unlock()

	batch := logBatch{Records: records}
	if lc.cfg.Summarizer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		summary, err := lc.cfg.Summarizer.Summarize(ctx, strings.Join(records, "\n"))
		cancel()
		if err == nil {
			batch.Summary = summary
		}
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return
	}
	_ = lc.transport.Publish(lc.cfg.Topic, payload)
}

// Close stops the watcher, if any. Polling loops stop naturally once
// the reactor they were scheduled on is stopped.
func (lc *LogCapture) Close() error {
	if lc.watcher != nil {
		return lc.watcher.Close()
	}
	return nil
}
