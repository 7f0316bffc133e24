package cloudhelpers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShadowSetSchedulesLazySaveAndPublish(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shadow.json5")
	transport := newFakeTransport()
	r := newTestReactor(t)

	s, err := NewShadow(ShadowConfig{DeviceID: "dev1", Path: path, LingerDelay: time.Millisecond}, transport, r)
	require.NoError(t, err)

	s.Set("temp", 72.5)
	v, ok := s.Get("temp")
	require.True(t, ok)
	require.Equal(t, 72.5, v)
	require.Empty(t, transport.published, "Set must not publish synchronously")

	pump(r)

	require.Len(t, transport.published, 1)
	require.Equal(t, "ioto/device/dev1/shadow/update", transport.published[0].topic)

	var envelope struct {
		State struct {
			Reported map[string]any `json:"reported"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(transport.published[0].payload, &envelope))
	require.Equal(t, 72.5, envelope.State.Reported["temp"])

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(saved, &onDisk))
	require.Equal(t, 72.5, onDisk["temp"])
}

func TestShadowCoalescesMultipleSetsIntoOneSave(t *testing.T) {
	dir := t.TempDir()
	transport := newFakeTransport()
	r := newTestReactor(t)

	s, err := NewShadow(ShadowConfig{DeviceID: "dev1", Path: filepath.Join(dir, "shadow.json5"), LingerDelay: time.Millisecond}, transport, r)
	require.NoError(t, err)

	s.Set("a", 1.0)
	s.Set("b", 2.0)
	pump(r)

	require.Len(t, transport.published, 1, "coalesced sets should flush as a single save/publish")
}

func TestShadowLoadsPersistedDocumentOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shadow.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{"color":"blue"}`), 0o600))

	transport := newFakeTransport()
	r := newTestReactor(t)
	s, err := NewShadow(ShadowConfig{DeviceID: "dev1", Path: path}, transport, r)
	require.NoError(t, err)

	v, ok := s.Get("color")
	require.True(t, ok)
	require.Equal(t, "blue", v)
}

func TestShadowAcceptedMessageOverwritesLocalState(t *testing.T) {
	dir := t.TempDir()
	transport := newFakeTransport()
	r := newTestReactor(t)
	s, err := NewShadow(ShadowConfig{DeviceID: "dev1", Path: filepath.Join(dir, "shadow.json5")}, transport, r)
	require.NoError(t, err)

	s.Set("color", "red")
	pump(r)

	accepted, err := json.Marshal(map[string]any{
		"state": map[string]any{"desired": map[string]any{"color": "green", "brightness": 80}},
	})
	require.NoError(t, err)
	transport.deliver("ioto/device/dev1/shadow/get/accepted", accepted)

	color, ok := s.Get("color")
	require.True(t, ok)
	require.Equal(t, "green", color)
	brightness, ok := s.Get("brightness")
	require.True(t, ok)
	require.EqualValues(t, 80, brightness)
}
