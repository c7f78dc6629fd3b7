// Package kafkaegress is an optional second telemetry egress path
// alongside the NDJSON log writer and the MQTT publisher, enabled only
// when KAFKA_BROKERS is set. It is additive to spec.md §4.6 — frames
// are marshaled with the same JSON shape the Publisher emits.
//
// The writer construction (batched, synchronous-ack, auto-topic-create)
// is grounded in the teacher's kafka.Producer.getWriter. The bounded
// worker pool that absorbs broker backpressure off the poller's hot
// path mirrors internal/publisher's MQTT pool, which is itself grounded
// in the teacher's mqtt.Publisher.
package kafkaegress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tankfarm/gateway/internal/frame"
	"github.com/tankfarm/gateway/internal/logging"
)

// MaxPublishWorkers bounds the number of concurrent in-flight writes.
const MaxPublishWorkers = 5

// MaxPublishQueueSize bounds how many frames may be queued before
// Publish starts dropping instead of blocking the caller (the poller
// worker).
const MaxPublishQueueSize = 256

// Config configures the Kafka egress writer.
type Config struct {
	Brokers []string
	Topic   string
}

type publishJob struct {
	key     []byte
	payload []byte
}

// Egress publishes Telemetry frames to one Kafka topic, keyed by
// device_id. A publish failure is logged and dropped — this is a
// best-effort secondary path, never a requirement for the tick to
// succeed, and it never blocks the poller: frames are handed to a
// bounded worker pool the same way internal/publisher hands frames to
// the MQTT pool.
type Egress struct {
	writer *kafka.Writer
	log    *logging.Logger

	queue    chan publishJob
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// New returns nil if cfg.Brokers is empty: Kafka egress is fully
// optional and absent by default. Otherwise it starts the worker pool
// immediately; there is no separate connect step, unlike the MQTT
// publisher.
func New(cfg Config, log *logging.Logger) *Egress {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "telemetry"
	}
	e := &Egress{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireOne,
			Async:                  false,
			BatchSize:              100,
			BatchBytes:             1 << 20,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		log:      log,
		queue:    make(chan publishJob, MaxPublishQueueSize),
		stopChan: make(chan struct{}),
	}
	for i := 0; i < MaxPublishWorkers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Egress) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopChan:
			return
		case job, ok := <-e.queue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := e.writer.WriteMessages(ctx, kafka.Message{Key: job.key, Value: job.payload})
			cancel()
			if err != nil {
				e.log.Errorf("kafka publish failed: %v", err)
			}
		}
	}
}

// Publish enqueues one frame for publication to the configured topic.
// It never blocks the poller: if the queue is full the frame is
// dropped and logged, matching internal/publisher's backpressure
// policy.
func (e *Egress) Publish(f frame.Telemetry) {
	if e == nil {
		return
	}
	payload, err := json.Marshal(f)
	if err != nil {
		e.log.Errorf("marshal frame for %s: %v", f.TankID, err)
		return
	}
	select {
	case e.queue <- publishJob{key: []byte(f.DeviceID), payload: payload}:
	default:
		e.log.Errorf("kafka publish queue full, dropping frame for %s", f.TankID)
	}
}

// Close stops the worker pool, draining what it can within a short
// deadline, then flushes and closes the underlying writer.
func (e *Egress) Close() error {
	if e == nil {
		return nil
	}
	close(e.stopChan)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return e.writer.Close()
}
