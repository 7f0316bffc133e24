package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/reactor"
)

type fakeDoer struct {
	do func(req *http.Request) (*http.Response, error)
}

func (f fakeDoer) Do(req *http.Request) (*http.Response, error) { return f.do(req) }

func jsonResponse(status int, body any) *http.Response {
	data, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
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

func TestRegisterPendingClaimLeavesStateUnregistered(t *testing.T) {
	r := newTestReactor(t)
	m, err := New(Config{
		DeviceID: "dev-1",
		Doer:     fakeDoer{do: func(req *http.Request) (*http.Response, error) { return jsonResponse(http.StatusAccepted, nil), nil }},
	}, r)
	require.NoError(t, err)

	require.NoError(t, m.Register(context.Background()))
	assert.Equal(t, StateUnregistered, m.State())
}

func TestRegisterClaimedTransitionsState(t *testing.T) {
	dir := t.TempDir()
	r := newTestReactor(t)
	m, err := New(Config{
		DeviceID: "dev-1",
		StateDir: dir,
		Doer: fakeDoer{do: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, registerResponse{Claimed: true}), nil
		}},
	}, r)
	require.NoError(t, err)

	require.NoError(t, m.Register(context.Background()))
	assert.Equal(t, StateRegisteredUnclaimed, m.State())

	data, err := os.ReadFile(filepath.Join(dir, provisionFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "registered-unclaimed")
}

func TestProvisionPersistsCertFilesAndSignals(t *testing.T) {
	dir := t.TempDir()
	r := newTestReactor(t)
	signaled := make(chan struct{}, 1)
	r.Watch("cloud:provisioned", func(name string, data any) { signaled <- struct{}{} }, nil)

	m, err := New(Config{
		DeviceID: "dev-1",
		StateDir: dir,
		Doer: fakeDoer{do: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, provisionResponse{
				AccountID: "acct-1", Endpoint: "tls://mqtt.example.com:8883",
				Cert: "CERT", Key: "KEY",
			}), nil
		}},
	}, r)
	require.NoError(t, err)

	require.NoError(t, m.Provision(context.Background()))
	rec := m.Record()
	assert.Equal(t, StateProvisioned, rec.State)
	assert.Equal(t, "acct-1", rec.AccountID)
	require.FileExists(t, rec.CertPath)
	require.FileExists(t, rec.KeyPath)
	certBytes, err := os.ReadFile(rec.CertPath)
	require.NoError(t, err)
	assert.Equal(t, "CERT", string(certBytes))

	r.Queue.RunEvents(time.Now())
	select {
	case <-signaled:
	default:
		t.Fatal("expected cloud:provisioned to be signaled")
	}
}

func TestProvisionNoSaveKeepsCertsInMemoryOnly(t *testing.T) {
	r := newTestReactor(t)
	m, err := New(Config{
		DeviceID: "dev-1",
		NoSave:   true,
		Doer: fakeDoer{do: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, provisionResponse{Cert: "CERT", Key: "KEY"}), nil
		}},
	}, r)
	require.NoError(t, err)

	require.NoError(t, m.Provision(context.Background()))
	rec := m.Record()
	assert.Equal(t, "CERT", rec.CertPEM)
	assert.Equal(t, "KEY", rec.KeyPEM)
	assert.Empty(t, rec.CertPath)
	assert.Empty(t, rec.KeyPath)
}

func TestDeprovisionRemovesPersistedFilesAndSignals(t *testing.T) {
	dir := t.TempDir()
	r := newTestReactor(t)
	signaled := make(chan struct{}, 1)
	r.Watch("cloud:deprovisioned", func(name string, data any) { signaled <- struct{}{} }, nil)

	m, err := New(Config{
		DeviceID: "dev-1",
		StateDir: dir,
		Doer: fakeDoer{do: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, provisionResponse{Cert: "CERT", Key: "KEY"}), nil
		}},
	}, r)
	require.NoError(t, err)
	require.NoError(t, m.Provision(context.Background()))
	rec := m.Record()

	require.NoError(t, m.Deprovision())
	assert.Equal(t, StateUnregistered, m.State())
	assert.NoFileExists(t, rec.CertPath)
	assert.NoFileExists(t, rec.KeyPath)
	assert.NoFileExists(t, filepath.Join(dir, provisionFileName))

	r.Queue.RunEvents(time.Now())
	select {
	case <-signaled:
	default:
		t.Fatal("expected cloud:deprovisioned to be signaled")
	}
}

func TestNewLoadsPersistedRecord(t *testing.T) {
	dir := t.TempDir()
	data, err := json.Marshal(Record{State: StateProvisioned, AccountID: "acct-2"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, provisionFileName), data, 0o600))

	r := newTestReactor(t)
	m, err := New(Config{DeviceID: "dev-1", StateDir: dir}, r)
	require.NoError(t, err)
	assert.Equal(t, StateProvisioned, m.State())
	assert.Equal(t, "acct-2", m.Record().AccountID)
}

func TestCloudReleaseSignalTriggersDeprovision(t *testing.T) {
	dir := t.TempDir()
	r := newTestReactor(t)
	m, err := New(Config{
		DeviceID: "dev-1",
		StateDir: dir,
		Doer: fakeDoer{do: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, provisionResponse{Cert: "CERT", Key: "KEY"}), nil
		}},
	}, r)
	require.NoError(t, err)
	require.NoError(t, m.Provision(context.Background()))
	require.Equal(t, StateProvisioned, m.State())

	r.SignalSync("cloud:release", nil)
	assert.Equal(t, StateUnregistered, m.State())
}
