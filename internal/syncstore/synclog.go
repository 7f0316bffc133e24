package syncstore

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"

	"github.com/embedthis/ioto-core/internal/koderr"
)

// logRecord is one durable entry: the four length-prefixed fields spec'd
// for the on-disk sync log, in their on-disk order.
type logRecord struct {
	cmd     string
	payload string
	key     string
	updated string
}

// syncLog is the length-prefixed, fsynced append log backing crash
// recovery. Every field is written as a 4-byte big-endian length
// (including a trailing null byte) followed by the bytes and the null.
type syncLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func openSyncLog(path string) (*syncLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, koderr.New(koderr.CantOpen, "syncstore.openSyncLog", err)
	}
	return &syncLog{path: path, file: f}, nil
}

func writeField(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)+1))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
	buf.WriteByte(0)
}

func encodeRecord(r logRecord) []byte {
	var fields bytes.Buffer
	writeField(&fields, r.cmd)
	writeField(&fields, r.payload)
	writeField(&fields, r.key)
	writeField(&fields, r.updated)

	var out bytes.Buffer
	var totalLen [4]byte
	binary.BigEndian.PutUint32(totalLen[:], uint32(fields.Len()))
	out.Write(totalLen[:])
	out.Write(fields.Bytes())
	return out.Bytes()
}

// Append writes one record and fsyncs it before returning.
func (l *syncLog) Append(r logRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(encodeRecord(r)); err != nil {
		return koderr.New(koderr.CantWrite, "syncstore.syncLog.Append", err)
	}
	if err := l.file.Sync(); err != nil {
		return koderr.New(koderr.CantWrite, "syncstore.syncLog.Append", err)
	}
	return nil
}

// Reset truncates the log back to empty, used once the pending change
// table drains after every outstanding batch is acknowledged.
func (l *syncLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return koderr.New(koderr.CantWrite, "syncstore.syncLog.Reset", err)
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return koderr.New(koderr.CantWrite, "syncstore.syncLog.Reset", err)
	}
	return nil
}

func (l *syncLog) Close() error { return l.file.Close() }

// readField reads one 4-byte-length-prefixed, null-terminated field
// starting at data[off]. It returns the field text (without the trailing
// null) and the offset just past it.
func readField(data []byte, off int) (string, int, error) {
	if off+4 > len(data) {
		return "", 0, koderr.New(koderr.BadFormat, "syncstore.readField", nil)
	}
	n := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if n < 1 || off+n > len(data) {
		return "", 0, koderr.New(koderr.BadFormat, "syncstore.readField", nil)
	}
	field := data[off : off+n-1]
	if data[off+n-1] != 0 {
		return "", 0, koderr.New(koderr.BadFormat, "syncstore.readField", nil)
	}
	return string(field), off + n, nil
}

// replaySyncLog parses every complete record in path. A corrupt trailing
// record (bad length, unterminated field) is not fatal: replay stops at
// the first bad record, returns everything parsed up to that point, and
// the caller recreates the log fresh.
func replaySyncLog(path string) ([]logRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, koderr.New(koderr.CantRead, "syncstore.replaySyncLog", err)
	}

	var records []logRecord
	off := 0
	for off < len(data) {
		if off+4 > len(data) {
			break
		}
		totalLen := int(binary.BigEndian.Uint32(data[off : off+4]))
		start := off + 4
		end := start + totalLen
		if totalLen < 0 || end > len(data) {
			break
		}
		fieldOff := start
		cmd, fieldOff, err := readField(data, fieldOff)
		if err != nil {
			break
		}
		payload, fieldOff, err := readField(data, fieldOff)
		if err != nil {
			break
		}
		key, fieldOff, err := readField(data, fieldOff)
		if err != nil {
			break
		}
		updated, fieldOff, err := readField(data, fieldOff)
		if err != nil {
			break
		}
		if fieldOff != end {
			break
		}
		records = append(records, logRecord{cmd: cmd, payload: payload, key: key, updated: updated})
		off = end
	}
	return records, nil
}
