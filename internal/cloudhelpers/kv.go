package cloudhelpers

import (
	"encoding/json"
	"time"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/koderr"
)

// Requester is the request/response surface cloud KV calls need.
// *mqttconn.Manager satisfies it via its Request method.
type Requester interface {
	Request(caller *fiber.Fiber, topic string, payload []byte, deadline time.Time) ([]byte, error)
}

// KV is a thin get/set client over the cloud's generic key-value
// request/response topics, reusing the same sequence-correlated
// request pattern the MQTT connection manager already implements for
// provisioning calls.
type KV struct {
	requester Requester
	timeout   time.Duration
}

// NewKV builds a KV client against requester, which is expected to be
// the runtime's *mqttconn.Manager.
func NewKV(requester Requester) *KV {
	return &KV{requester: requester, timeout: 10 * time.Second}
}

// Get fetches one key's value from the cloud.
func (kv *KV) Get(caller *fiber.Fiber, key string) (string, error) {
	payload, err := json.Marshal(struct {
		Key string `json:"key"`
	}{Key: key})
	if err != nil {
		return "", koderr.New(koderr.BadData, "cloudhelpers.KV.Get", err)
	}
	reply, err := kv.requester.Request(caller, "kv/get", payload, time.Now().Add(kv.timeout))
	if err != nil {
		return "", err
	}
	var result struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(reply, &result); err != nil {
		return "", koderr.New(koderr.BadFormat, "cloudhelpers.KV.Get", err)
	}
	return result.Value, nil
}

// Set stores one key's value in the cloud.
func (kv *KV) Set(caller *fiber.Fiber, key, value string) error {
	payload, err := json.Marshal(struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}{Key: key, Value: value})
	if err != nil {
		return koderr.New(koderr.BadData, "cloudhelpers.KV.Set", err)
	}
	_, err = kv.requester.Request(caller, "kv/set", payload, time.Now().Add(kv.timeout))
	return err
}
