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

package netlinksrc

import (
	"os"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

// KafkaSource replays a previously captured uevent stream (or one fanned
// out by a remote kernel) from a Kafka topic, in the same raw wire shape
// ParseUevent decodes. It exists for integration testing and multi-host
// fan-out setups where a single broker instance doesn't sit on the
// machine generating the events.
//
// It still needs a pollable fd for the reactor's epoll set, so consumption
// runs on a goroutine that writes into an os.Pipe; the read end is what
// gets registered.
type KafkaSource struct {
	consumer sarama.Consumer
	partCons sarama.PartitionConsumer
	seqnum   *broker.SeqnumAllocator

	notifyR *os.File
	notifyW *os.File
	pending chan *broker.Event
}

// NewKafka connects to brokers and starts consuming topic from the newest
// offset.
func NewKafka(brokers []string, topic string, seqnum *broker.SeqnumAllocator) (*KafkaSource, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	partCons, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		_ = consumer.Close()
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		_ = partCons.Close()
		_ = consumer.Close()
		return nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		_ = r.Close()
		_ = w.Close()
		_ = partCons.Close()
		_ = consumer.Close()
		return nil, err
	}

	k := &KafkaSource{
		consumer: consumer,
		partCons: partCons,
		seqnum:   seqnum,
		notifyR:  r,
		notifyW:  w,
		pending:  make(chan *broker.Event, 256),
	}
	go k.pump()
	return k, nil
}

func (k *KafkaSource) pump() {
	for {
		select {
		case msg, ok := <-k.partCons.Messages():
			if !ok {
				return
			}
			e, err := ParseUevent(msg.Value)
			if err != nil {
				zap.S().Warnw("dropping unparseable kafka uevent", "error", err)
				continue
			}
			k.pending <- e
			_, _ = k.notifyW.Write([]byte{0})
		case err, ok := <-k.partCons.Errors():
			if !ok {
				return
			}
			zap.S().Warnw("kafka uevent consumer error", "error", err)
		}
	}
}

func (k *KafkaSource) Fd() int {
	return int(k.notifyR.Fd())
}

// Drain drains both the wakeup pipe and the buffered event channel,
// inserting every decoded Event into q.
func (k *KafkaSource) Drain(q *broker.EventQueue) error {
	discard := make([]byte, 256)
	for {
		_, err := k.notifyR.Read(discard)
		if err != nil {
			break
		}
	}
	for {
		select {
		case e := <-k.pending:
			if e.Seqnum != 0 {
				k.seqnum.Observe(e.Seqnum)
			} else {
				e.Seqnum = k.seqnum.Next()
			}
			if err := q.Insert(e); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (k *KafkaSource) Close() error {
	_ = k.partCons.Close()
	_ = k.consumer.Close()
	_ = k.notifyR.Close()
	return k.notifyW.Close()
}
