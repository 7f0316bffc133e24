package mqttconn

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/koderr"
)

// Publish sends payload to topic at QoS 1 on the current session.
func (m *Manager) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return koderr.New(koderr.NotConnected, "mqttconn.Publish", nil)
	}
	tok := client.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		return koderr.New(koderr.CantWrite, "mqttconn.Publish", tok.Error())
	}
	return nil
}

// Subscribe registers handler for topic (which may contain MQTT wildcards),
// delivering the raw topic string and payload bytes of every matching
// message. Callers needing the sequence-correlated request/response
// pattern should use Request instead.
func (m *Manager) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return koderr.New(koderr.NotConnected, "mqttconn.Subscribe", nil)
	}
	tok := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), append([]byte(nil), msg.Payload()...))
	})
	if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		return koderr.New(koderr.CantConnect, "mqttconn.Subscribe", tok.Error())
	}
	return nil
}

const maxSeqProbe = 1 << 16

// allocSeq reserves a sequence number not already outstanding, wrapping
// at 32 bits, the same bounded-probe approach internal/reactor uses to
// hand out timer ids.
func (m *Manager) allocSeq() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < maxSeqProbe; i++ {
		m.nextSeq++
		if m.nextSeq == 0 {
			m.nextSeq = 1
		}
		if _, busy := m.outstanding[m.nextSeq]; !busy {
			m.outstanding[m.nextSeq] = struct{}{}
			return m.nextSeq, nil
		}
	}
	return 0, koderr.New(koderr.TooMany, "mqttconn.allocSeq", nil)
}

func (m *Manager) freeSeq(seq uint32) {
	m.mu.Lock()
	delete(m.outstanding, seq)
	m.mu.Unlock()
}

// Request publishes payload to ioto/service/<device>/<topic>/<seq> and
// waits for a reply on ioto/device/<device>/<topic>/<seq>. The calling
// fiber yields for the duration of the wait and is resumed, on whichever
// goroutine the reactor's Post lands on, either by the matching response
// arriving or by the deadline firing — matching the Resume-returns-at-
// next-Yield contract of internal/fiber.
func (m *Manager) Request(caller *fiber.Fiber, topic string, payload []byte, deadline time.Time) ([]byte, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, koderr.New(koderr.NotConnected, "mqttconn.Request", nil)
	}

	seq, err := m.allocSeq()
	if err != nil {
		return nil, err
	}
	defer m.freeSeq(seq)

	respTopic := fmt.Sprintf("ioto/device/%s/%s/%d", m.cfg.DeviceID, topic, seq)
	reqTopic := fmt.Sprintf("ioto/service/%s/%s/%d", m.cfg.DeviceID, topic, seq)

	var once sync.Once
	resume := func(reply []byte) {
		once.Do(func() {
			m.reactor.Post(func() {
				m.reactor.Fibers.Main().Resume(caller, reply)
			})
		})
	}

	timeoutID, err := m.reactor.Queue.StartFastEvent(func(any) { resume(nil) }, nil, time.Until(deadline))
	if err != nil {
		return nil, err
	}

	subToken := client.Subscribe(respTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		m.reactor.Queue.StopEvent(timeoutID)
		resume(append([]byte(nil), msg.Payload()...))
	})
	if !subToken.WaitTimeout(10*time.Second) || subToken.Error() != nil {
		m.reactor.Queue.StopEvent(timeoutID)
		return nil, koderr.New(koderr.CantConnect, "mqttconn.Request", subToken.Error())
	}
	defer client.Unsubscribe(respTopic)

	pubToken := client.Publish(reqTopic, 1, false, payload)
	if !pubToken.WaitTimeout(10*time.Second) || pubToken.Error() != nil {
		m.reactor.Queue.StopEvent(timeoutID)
		return nil, koderr.New(koderr.CantWrite, "mqttconn.Request", pubToken.Error())
	}

	reply := caller.Yield(nil)
	if reply == nil {
		return nil, koderr.New(koderr.Timeout, "mqttconn.Request", nil)
	}
	return reply.([]byte), nil
}

// throttleMessage is the cloud's backpressure envelope: a fresh timestamp
// and an optional hard close.
type throttleMessage struct {
	Timestamp int64 `json:"timestamp"`
	Close     bool  `json:"close"`
}

const throttleStaleness = 30 * time.Second
const throttleBlockDuration = time.Hour

func (m *Manager) handleThrottleMessage(_ mqtt.Client, msg mqtt.Message) {
	var tm throttleMessage
	if err := json.Unmarshal(msg.Payload(), &tm); err != nil {
		return
	}
	age := time.Since(time.UnixMilli(tm.Timestamp))
	if age < 0 || age > throttleStaleness {
		return
	}
	if tm.Close {
		m.disconnect()
		m.mu.Lock()
		m.state = StateBlocked
		m.blockedUntil = time.Now().Add(throttleBlockDuration)
		m.mu.Unlock()
		m.reactor.Signal("mqtt:blocked")
		return
	}
	m.setState(StateThrottled)
	m.reactor.Signal("mqtt:throttled")
}

// handleProvisionMessage watches ioto/device/<id>/provision/+ for a
// release command, ignoring anything older than 10s so a retained or
// delayed message can't force an unwanted deprovision.
func (m *Manager) handleProvisionMessage(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) == 0 {
		return
	}
	action := parts[len(parts)-1]
	if action != "release" {
		return
	}
	var body struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Payload(), &body); err == nil && body.Timestamp != 0 {
		if time.Since(time.UnixMilli(body.Timestamp)) > 10*time.Second {
			return
		}
	}
	m.reactor.Signal("cloud:release")
}
