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

package sink

import (
	"encoding/json"
	"fmt"

	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper/pkg/kafka"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

// KafkaSink is the ProcessedEventSink used by deployments that already
// centralize device inventory through Kafka, grounded on
// cmd/kafka-bridge's kafka.NewKafkaClient/EnqueueMessage usage rather
// than talking to sarama directly: publication is egress-only here, same
// as the processor package's treatment of client2.
type KafkaSink struct {
	client *kafka.Client
	topic  string
}

type kafkaDeviceMessage struct {
	Devpath    string            `json:"devpath"`
	Action     string            `json:"action"`
	Subsystem  string            `json:"subsystem"`
	Seqnum     uint64            `json:"seqnum"`
	Processed  bool              `json:"processed"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NewKafkaSink connects to brokers and publishes every event to topic.
func NewKafkaSink(brokers []string, topic, clientID string) (*KafkaSink, error) {
	client, err := kafka.NewKafkaClient(&kafka.NewClientOptions{
		Brokers:           brokers,
		ClientID:          clientID,
		Partitions:        6,
		ReplicationFactor: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka sink client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func (s *KafkaSink) PublishUnprocessed(e *broker.Event) error {
	return s.publish(e, nil, false)
}

func (s *KafkaSink) PublishProcessed(e *broker.Event, properties map[string]string) error {
	return s.publish(e, properties, true)
}

func (s *KafkaSink) publish(e *broker.Event, properties map[string]string, processed bool) error {
	value, err := json.Marshal(kafkaDeviceMessage{
		Devpath:    e.Devpath,
		Action:     e.Action,
		Subsystem:  e.Subsystem,
		Seqnum:     e.Seqnum,
		Processed:  processed,
		Properties: properties,
	})
	if err != nil {
		return fmt.Errorf("kafka sink marshal: %w", err)
	}
	return s.client.EnqueueMessage(kafka.Message{
		Topic: s.topic,
		Value: value,
	})
}

func (s *KafkaSink) Close() error {
	return s.client.Close()
}
