// Package provision drives a device through the cloud builder's
// register/provision/deprovision lifecycle and persists the resulting
// MQTT endpoint and client certificate.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/embedthis/ioto-core/internal/koderr"
	"github.com/embedthis/ioto-core/internal/reactor"
)

// State is a position in the unregistered -> registered-unclaimed ->
// provisioned diagram.
type State int

const (
	StateUnregistered State = iota
	StateRegisteredUnclaimed
	StateProvisioned
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegisteredUnclaimed:
		return "registered-unclaimed"
	case StateProvisioned:
		return "provisioned"
	default:
		return "unknown"
	}
}

// HTTPDoer is the narrow interface Manager needs from an HTTP client,
// satisfied by *http.Client and easy to fake in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config bundles the cloud builder endpoints and local persistence
// policy for one device's provisioning lifecycle.
type Config struct {
	DeviceID     string
	ProductToken string
	RegisterURL  string // POST {id, productToken} -> claim status
	ProvisionURL string // POST {id} -> {endpoint, accountId, cert, key}
	StateDir     string // directory holding provision.json and certs/
	NoSave       bool   // hold certificate material in memory only
	Doer         HTTPDoer
}

// Record is the persisted provisioning state.
type Record struct {
	State     State  `json:"state"`
	AccountID string `json:"accountId,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	CertPath  string `json:"certPath,omitempty"`
	KeyPath   string `json:"keyPath,omitempty"`
	CertPEM   string `json:"certPem,omitempty"` // set only when NoSave
	KeyPEM    string `json:"keyPem,omitempty"`  // set only when NoSave
}

// Manager drives Register/Provision/Deprovision and persists Record.
type Manager struct {
	cfg     Config
	reactor *reactor.Reactor
	doer    HTTPDoer
	backoff backoff.BackOff

	mu     sync.Mutex
	record Record
}

const provisionFileName = "provision.json"

// New loads any persisted Record and wires a watch for the release
// command mqttconn signals on ioto/device/<id>/provision/release.
func New(cfg Config, r *reactor.Reactor) (*Manager, error) {
	doer := cfg.Doer
	if doer == nil {
		doer = http.DefaultClient
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = 5 * time.Minute
	eb.MaxElapsedTime = 0

	m := &Manager{cfg: cfg, reactor: r, doer: doer, backoff: eb}
	if rec, err := m.load(); err == nil {
		m.record = rec
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if r != nil {
		r.Watch("cloud:release", func(name string, data any) { _ = m.Deprovision() }, nil)
	}
	return m, nil
}

// State reports the manager's current lifecycle position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.State
}

// Record returns a copy of the persisted provisioning record.
func (m *Manager) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

func (m *Manager) path() string {
	return filepath.Join(m.cfg.StateDir, provisionFileName)
}

func (m *Manager) load() (Record, error) {
	data, err := os.ReadFile(m.path())
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, koderr.New(koderr.BadData, "provision.load", err)
	}
	return rec, nil
}

func (m *Manager) save() error {
	if m.cfg.StateDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.record, "", "  ")
	if err != nil {
		return koderr.New(koderr.BadData, "provision.save", err)
	}
	if err := os.MkdirAll(m.cfg.StateDir, 0o700); err != nil {
		return koderr.New(koderr.CantCreate, "provision.save", err)
	}
	if err := os.WriteFile(m.path(), data, 0o600); err != nil {
		return koderr.New(koderr.CantWrite, "provision.save", err)
	}
	return nil
}

type registerRequest struct {
	ID           string `json:"id"`
	ProductToken string `json:"productToken"`
}

type registerResponse struct {
	Claimed bool `json:"claimed"`
}

// Register asks the builder to claim this device's product token. While
// the claim is pending (Claimed: false, or a 202 status), the caller
// should retry with the manager's own backoff schedule; Register returns
// nil in that case rather than an error so a caller loop can distinguish
// "still unclaimed" from a genuine failure via State().
func (m *Manager) Register(ctx context.Context) error {
	body, err := json.Marshal(registerRequest{ID: m.cfg.DeviceID, ProductToken: m.cfg.ProductToken})
	if err != nil {
		return koderr.New(koderr.BadData, "provision.Register", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RegisterURL, bytes.NewReader(body))
	if err != nil {
		return koderr.New(koderr.BadArgs, "provision.Register", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.doer.Do(req)
	if err != nil {
		return koderr.New(koderr.CantConnect, "provision.Register", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil // still pending claim
	}
	if resp.StatusCode != http.StatusOK {
		return koderr.New(koderr.CantConnect, "provision.Register", nil)
	}

	var rr registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return koderr.New(koderr.BadData, "provision.Register", err)
	}
	if !rr.Claimed {
		return nil
	}

	m.mu.Lock()
	m.record.State = StateRegisteredUnclaimed
	m.mu.Unlock()
	m.backoff.Reset()
	return m.save()
}

type provisionResponse struct {
	AccountID string `json:"accountId"`
	Endpoint  string `json:"endpoint"`
	Cert      string `json:"cert"`
	Key       string `json:"key"`
}

// Provision exchanges the device id for an MQTT endpoint, account id,
// and client certificate, persisting the certificate either to
// StateDir/certs/*.pem or, in NoSave mode, as PEM text in the
// provisioning record itself.
func (m *Manager) Provision(ctx context.Context) error {
	body, err := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: m.cfg.DeviceID})
	if err != nil {
		return koderr.New(koderr.BadData, "provision.Provision", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.ProvisionURL, bytes.NewReader(body))
	if err != nil {
		return koderr.New(koderr.BadArgs, "provision.Provision", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.doer.Do(req)
	if err != nil {
		return koderr.New(koderr.CantConnect, "provision.Provision", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return koderr.New(koderr.CantConnect, "provision.Provision", nil)
	}

	var pr provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return koderr.New(koderr.BadData, "provision.Provision", err)
	}

	rec := Record{
		State:     StateProvisioned,
		AccountID: pr.AccountID,
		Endpoint:  pr.Endpoint,
	}
	if m.cfg.NoSave {
		rec.CertPEM = pr.Cert
		rec.KeyPEM = pr.Key
	} else {
		certsDir := filepath.Join(m.cfg.StateDir, "certs")
		if err := os.MkdirAll(certsDir, 0o700); err != nil {
			return koderr.New(koderr.CantCreate, "provision.Provision", err)
		}
		certPath := filepath.Join(certsDir, m.cfg.DeviceID+"-cert.pem")
		keyPath := filepath.Join(certsDir, m.cfg.DeviceID+"-key.pem")
		if err := os.WriteFile(certPath, []byte(pr.Cert), 0o600); err != nil {
			return koderr.New(koderr.CantWrite, "provision.Provision", err)
		}
		if err := os.WriteFile(keyPath, []byte(pr.Key), 0o600); err != nil {
			return koderr.New(koderr.CantWrite, "provision.Provision", err)
		}
		rec.CertPath = certPath
		rec.KeyPath = keyPath
	}

	m.mu.Lock()
	m.record = rec
	m.mu.Unlock()
	if err := m.save(); err != nil {
		return err
	}
	if m.reactor != nil {
		m.reactor.Signal("cloud:provisioned")
	}
	return nil
}

// Deprovision clears all provisioning state, removing persisted
// certificate files and the provisioning record.
func (m *Manager) Deprovision() error {
	m.mu.Lock()
	rec := m.record
	m.record = Record{}
	m.mu.Unlock()

	if rec.CertPath != "" {
		_ = os.Remove(rec.CertPath)
	}
	if rec.KeyPath != "" {
		_ = os.Remove(rec.KeyPath)
	}
	if m.cfg.StateDir != "" {
		_ = os.Remove(m.path())
	}
	if m.reactor != nil {
		m.reactor.Signal("cloud:deprovisioned")
	}
	return nil
}

// NextRegisterBackoff reports how long a caller should wait before
// retrying Register after an unclaimed/pending response.
func (m *Manager) NextRegisterBackoff() time.Duration {
	d := m.backoff.NextBackOff()
	if d == backoff.Stop {
		return 5 * time.Minute
	}
	return d
}
