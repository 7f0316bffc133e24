package cloudhelpers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSummarizer struct {
	prompt string
	out    string
	err    error
}

func (f *fakeSummarizer) Summarize(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.out, f.err
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestLogCaptureDrainFoldsContinuationLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	transport := newFakeTransport()
	r := newTestReactor(t)
	cfg := LogCaptureConfig{DeviceID: "dev1", Path: path, Topic: "ioto/device/dev1/logs", LingerDelay: time.Millisecond}
	cfg.applyDefaults()
	lc := &LogCapture{cfg: cfg, transport: transport, reactor: r}

	writeLines(t, path, "2026-08-01 error: boom", "  stack frame 1", "\tstack frame 2", "2026-08-01 info: ok")
	lc.drain()

	require.Len(t, lc.records, 2)
	require.Contains(t, lc.records[0], "stack frame 1")
	require.Contains(t, lc.records[0], "stack frame 2")
	require.Equal(t, "2026-08-01 info: ok", lc.records[1])

	pump(r)
	require.Len(t, transport.published, 1)
	var batch logBatch
	require.NoError(t, json.Unmarshal(transport.published[0].payload, &batch))
	require.Len(t, batch.Records, 2)
	require.Empty(t, batch.Summary)
}

func TestLogCaptureForceFlushesOnBatchThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	transport := newFakeTransport()
	r := newTestReactor(t)
	cfg := LogCaptureConfig{DeviceID: "dev1", Path: path, Topic: "t", MaxBatch: 2, LingerDelay: time.Hour}
	cfg.applyDefaults()
	lc := &LogCapture{cfg: cfg, transport: transport, reactor: r}

	writeLines(t, path, "one", "two", "three")
	lc.drain()

	require.Len(t, transport.published, 1, "MaxBatch should force an immediate flush without waiting for the linger timer")
	var batch logBatch
	require.NoError(t, json.Unmarshal(transport.published[0].payload, &batch))
	require.Equal(t, []string{"one", "two", "three"}, batch.Records)
}

func TestLogCaptureAttachesSummaryWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	transport := newFakeTransport()
	r := newTestReactor(t)
	summarizer := &fakeSummarizer{out: "one error, nothing else notable"}
	cfg := LogCaptureConfig{DeviceID: "dev1", Path: path, Topic: "t", Summarizer: summarizer}
	cfg.applyDefaults()
	lc := &LogCapture{cfg: cfg, transport: transport, reactor: r}

	writeLines(t, path, "boom")
	lc.drain()
	lc.flush()

	require.Len(t, transport.published, 1)
	var batch logBatch
	require.NoError(t, json.Unmarshal(transport.published[0].payload, &batch))
	require.Equal(t, "one error, nothing else notable", batch.Summary)
	require.Contains(t, summarizer.prompt, "boom")
}

func TestLogCaptureFlushIsNoopWhenNothingPending(t *testing.T) {
	transport := newFakeTransport()
	r := newTestReactor(t)
	cfg := LogCaptureConfig{DeviceID: "dev1", Path: "unused", Topic: "t"}
	cfg.applyDefaults()
	lc := &LogCapture{cfg: cfg, transport: transport, reactor: r}

	lc.flush()
	require.Empty(t, transport.published)
}
