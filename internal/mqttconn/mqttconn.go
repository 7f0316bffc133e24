// Package mqttconn maintains at most one MQTT session to a configured
// cloud endpoint, with exponential backoff on failure and a bounded
// escalation path into reprovisioning, built on
// github.com/eclipse/paho.mqtt.golang.
package mqttconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/cenkalti/backoff/v4"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/koderr"
	"github.com/embedthis/ioto-core/internal/reactor"
)

// State is one of the connection manager's lifecycle states.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateConnecting
	StateConnected
	StateThrottled
	StateBlocked
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateThrottled:
		return "throttled"
	case StateBlocked:
		return "blocked"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Window reports whether now falls inside the configured connect window,
// and if not, when the window currently in effect ends. A nil Window
// means "always connected, no scheduled disconnect".
type Window func(now time.Time) (inWindow bool, windowEnd time.Time)

// Config bundles everything the manager needs to dial and identify itself.
type Config struct {
	DeviceID        string
	Endpoint        string // e.g. "tls://mqtt.example.com:8883"
	ClientID        string
	TLSConfig       *tls.Config
	MasterTopic     string
	ThrottleTopic   string
	ConnectWindow   Window
	MaxReprovisions int // bounds the boot-session reprovision escalation
	CheckInternet   func(ctx context.Context) bool
	Reprovision     func(ctx context.Context) error
}

// Manager is the MQTT connection state machine.
type Manager struct {
	cfg     Config
	reactor *reactor.Reactor
	client  mqtt.Client

	cs *fiber.CritSection

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	reprovisionCount    int
	blockedUntil        time.Time
	backoffState        backoff.BackOff

	outstanding map[uint32]struct{}
	nextSeq     uint32

	disconnectTimerID uint64
}

// New builds a Manager in the idle state. Call Connect to begin dialing.
func New(cfg Config, r *reactor.Reactor) *Manager {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = time.Hour
	eb.RandomizationFactor = 0.25
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0 // never give up on its own; the manager drives retries

	return &Manager{
		cfg:          cfg,
		reactor:      r,
		cs:           fiber.NewCritSection(),
		state:        StateIdle,
		backoffState: eb,
		outstanding:  make(map[uint32]struct{}),
	}
}

// State reports the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Connect runs one connect attempt, serialized against any other
// concurrent attempt via the manager's critical section.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.cs.Enter(ctx, time.Time{}); err != nil {
		return err
	}
	defer m.cs.Leave()

	m.mu.Lock()
	if now := time.Now(); m.state == StateBlocked && now.Before(m.blockedUntil) {
		m.mu.Unlock()
		return koderr.New(koderr.NotReady, "mqttconn.Connect", nil)
	}
	m.mu.Unlock()
	m.setState(StateConnecting)

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Endpoint).
		SetClientID(m.cfg.ClientID).
		SetTLSConfig(m.cfg.TLSConfig).
		SetAutoReconnect(false). // reconnection is driven by this state machine, not paho's own loop
		SetCleanSession(false).
		SetConnectionLostHandler(func(c mqtt.Client, err error) { m.onConnectionLost(err) })

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return m.onConnectFailure(ctx, koderr.New(koderr.Timeout, "mqttconn.Connect", nil))
	}
	if err := token.Error(); err != nil {
		return m.onConnectFailure(ctx, koderr.New(koderr.CantConnect, "mqttconn.Connect", err))
	}

	m.client = client
	if err := m.subscribeCoreTopics(); err != nil {
		client.Disconnect(250)
		return m.onConnectFailure(ctx, err)
	}

	m.mu.Lock()
	m.consecutiveFailures = 0
	m.state = StateConnected
	m.mu.Unlock()
	m.backoffState.Reset()
	m.reactor.Signal("mqtt:connected")

	if m.cfg.ConnectWindow != nil {
		if inWindow, end := m.cfg.ConnectWindow(time.Now()); !inWindow || !end.IsZero() {
			m.armWindowEndDisconnect(end)
		}
	}
	return nil
}

func (m *Manager) subscribeCoreTopics() error {
	if m.cfg.MasterTopic != "" {
		if tok := m.client.Subscribe(m.cfg.MasterTopic, 1, nil); tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
			return koderr.New(koderr.CantConnect, "mqttconn.subscribe", tok.Error())
		}
	}
	if m.cfg.ThrottleTopic != "" {
		if tok := m.client.Subscribe(m.cfg.ThrottleTopic, 1, m.handleThrottleMessage); tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
			return koderr.New(koderr.CantConnect, "mqttconn.subscribe", tok.Error())
		}
	}
	releaseTopic := fmt.Sprintf("ioto/device/%s/provision/+", m.cfg.DeviceID)
	if tok := m.client.Subscribe(releaseTopic, 1, m.handleProvisionMessage); tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
		return koderr.New(koderr.CantConnect, "mqttconn.subscribe", tok.Error())
	}
	return nil
}

func (m *Manager) armWindowEndDisconnect(end time.Time) {
	if end.IsZero() {
		return
	}
	m.disconnectTimerID, _ = m.reactor.Queue.StartEvent(func(any) {
		m.disconnect()
		m.setState(StateScheduled)
	}, nil, time.Until(end))
}

func (m *Manager) onConnectionLost(err error) {
	m.setState(StateDisconnected)
	m.reactor.Signal("mqtt:disconnected")
}

// onConnectFailure backs off, reschedules a retry, and after enough
// consecutive failures checks internet reachability to decide whether to
// trigger a bounded reprovision cycle.
func (m *Manager) onConnectFailure(ctx context.Context, cause error) error {
	m.mu.Lock()
	m.consecutiveFailures++
	failures := m.consecutiveFailures
	m.state = StateScheduled
	m.mu.Unlock()

	delay := m.backoffState.NextBackOff()
	if delay == backoff.Stop {
		delay = time.Hour
	}
	m.reactor.Queue.StartEvent(func(any) { _ = m.Connect(ctx) }, nil, delay)

	if failures >= 3 && m.cfg.CheckInternet != nil && m.cfg.Reprovision != nil {
		if m.cfg.CheckInternet(ctx) {
			m.mu.Lock()
			canReprovision := m.reprovisionCount < m.cfg.MaxReprovisions
			if canReprovision {
				m.reprovisionCount++
			}
			m.mu.Unlock()
			if canReprovision {
				_ = m.cfg.Reprovision(ctx)
			}
		}
	}
	return cause
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

// Disconnect tears down the session and returns to idle, e.g. in response
// to a cloud:deprovisioned signal.
func (m *Manager) Disconnect() {
	m.disconnect()
	m.setState(StateIdle)
}
