package cloudhelpers

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/embedthis/ioto-core/internal/koderr"
	"github.com/embedthis/ioto-core/internal/reactor"
)

// ShadowConfig identifies the device and where its local mirror lives.
type ShadowConfig struct {
	DeviceID    string
	Path        string // local shadow.json5 mirror file
	LingerDelay time.Duration
}

func (c *ShadowConfig) applyDefaults() {
	if c.LingerDelay <= 0 {
		c.LingerDelay = 2 * time.Second
	}
}

// Shadow mirrors a JSON document to the cloud: local Set calls schedule
// a lazy save that both rewrites the local file and publishes the
// document to the shadow update topic; an incoming get/accepted message
// overwrites local state outright.
type Shadow struct {
	cfg       ShadowConfig
	transport Transport
	reactor   *reactor.Reactor

	mu     sync.Mutex
	doc    map[string]any
	saveID uint64
}

// NewShadow loads any persisted document at cfg.Path (starting empty if
// absent) and subscribes to the shadow's get/accepted topic.
func NewShadow(cfg ShadowConfig, transport Transport, r *reactor.Reactor) (*Shadow, error) {
	cfg.applyDefaults()
	s := &Shadow{cfg: cfg, transport: transport, reactor: r, doc: make(map[string]any)}

	if data, err := os.ReadFile(cfg.Path); err == nil {
		_ = json.Unmarshal(data, &s.doc)
	} else if !os.IsNotExist(err) {
		return nil, koderr.New(koderr.CantRead, "cloudhelpers.NewShadow", err)
	}

	acceptedTopic := fmt.Sprintf("ioto/device/%s/shadow/get/accepted", cfg.DeviceID)
	if err := transport.Subscribe(acceptedTopic, s.onAccepted); err != nil {
		return nil, err
	}
	return s, nil
}

// Get reads one field of the current shadow document.
func (s *Shadow) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.doc[key]
	return v, ok
}

// Set updates one field and schedules a lazy save/publish.
func (s *Shadow) Set(key string, value any) {
	s.mu.Lock()
	s.doc[key] = value
	if s.saveID == 0 {
		id, err := s.reactor.Queue.StartFastEvent(func(any) { s.save() }, nil, s.cfg.LingerDelay)
		if err == nil {
			s.saveID = id
		}
	}
	s.mu.Unlock()
}

func (s *Shadow) save() {
	s.mu.Lock()
	s.saveID = 0
	payload, err := json.MarshalIndent(s.doc, "", "  ")
	doc := make(map[string]any, len(s.doc))
	for k, v := range s.doc {
		doc[k] = v
	}
	s.mu.Unlock()
	if err != nil {
		return
	}

	_ = os.WriteFile(s.cfg.Path, payload, 0o600)

	updateTopic := fmt.Sprintf("ioto/device/%s/shadow/update", s.cfg.DeviceID)
	envelope, err := json.Marshal(map[string]any{"state": map[string]any{"reported": doc}})
	if err != nil {
		return
	}
	_ = s.transport.Publish(updateTopic, envelope)
}

// onAccepted overwrites local state with the cloud's get/accepted
// response, the shadow protocol's only path for an incoming overwrite.
func (s *Shadow) onAccepted(_ string, payload []byte) {
	var body struct {
		State struct {
			Desired map[string]any `json:"desired"`
		} `json:"state"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return
	}
	doc := make(map[string]any, len(body.State.Desired))
	for k, v := range body.State.Desired {
		doc[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
}
