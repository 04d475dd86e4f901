// Copyright 2026 The DeviceBroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ruleexec

import (
	"encoding/json"
	"fmt"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	umhinternal "github.com/united-manufacturing-hub/devicebroker/internal"
	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

// mqttMessage is the payload published for a processed device, a trimmed
// analogue of what the netlink and Kafka sinks carry.
type mqttMessage struct {
	Devpath    string            `json:"devpath"`
	Action     string            `json:"action"`
	Subsystem  string            `json:"subsystem"`
	Seqnum     uint64            `json:"seqnum"`
	Properties map[string]string `json:"properties,omitempty"`
}

// MQTTNotifier is a side-channel rule-completion notifier, run in
// addition to (not instead of) a ProcessedEventSink: some deployments
// want a lightweight "device X changed" push notification for dashboards
// independent of the inventory-grade sink. Publish dedup uses an
// xxh3-hash-keyed memcache check via internal.GetMemcached/SetMemcached
// so repeated identical notifications inside the same polling window are
// suppressed.
type MQTTNotifier struct {
	client MQTT.Client
	topic  string
	log    *zap.Logger
}

// NewMQTTNotifier connects to brokerURL and returns a notifier publishing
// under topic.
func NewMQTTNotifier(log *zap.Logger, brokerURL, clientID, topic string) (*MQTTNotifier, error) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(c MQTT.Client) {
		log.Info("connected to mqtt broker", zap.String("client_id", clientID))
	})
	opts.SetConnectionLostHandler(func(c MQTT.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt notifier connect: %w", token.Error())
	}
	return &MQTTNotifier{client: client, topic: topic, log: log}, nil
}

// Notify publishes a processed device's properties, skipping a
// byte-identical message already sent for this topic within the memcache
// tier's expiration window.
func (n *MQTTNotifier) Notify(e *broker.Event, properties map[string]string) error {
	payload, err := json.Marshal(mqttMessage{
		Devpath:    e.Devpath,
		Action:     e.Action,
		Subsystem:  e.Subsystem,
		Seqnum:     e.Seqnum,
		Properties: properties,
	})
	if err != nil {
		return fmt.Errorf("mqtt notifier marshal: %w", err)
	}

	cacheKey := fmt.Sprintf("ruleexec.mqtt.%s.%d", n.topic, xxh3.Hash(payload))
	if _, found := umhinternal.GetMemcached(cacheKey); found {
		n.log.Debug("duplicate mqtt notification suppressed", zap.String("topic", n.topic), zap.String("devpath", e.Devpath))
		return nil
	}

	token := n.client.Publish(n.topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt notifier publish: %w", err)
	}
	umhinternal.SetMemcached(cacheKey, nil)
	return nil
}

func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
