package kafkaegress

import (
	"testing"

	"github.com/tankfarm/gateway/internal/frame"
	"github.com/tankfarm/gateway/internal/logging"
)

func TestNew_returnsNilWhenNoBrokersConfigured(t *testing.T) {
	e := New(Config{}, logging.New("test"))
	if e != nil {
		t.Fatal("expected New to return nil with no brokers configured")
	}
}

func TestNew_defaultsTopicWhenUnset(t *testing.T) {
	e := New(Config{Brokers: []string{"127.0.0.1:9092"}}, logging.New("test"))
	if e == nil {
		t.Fatal("expected a non-nil Egress")
	}
	defer e.Close()
	if e.writer.Topic != "telemetry" {
		t.Errorf("topic = %q, want default telemetry", e.writer.Topic)
	}
}

func TestNew_keepsExplicitTopic(t *testing.T) {
	e := New(Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "tankfarm.custom"}, logging.New("test"))
	if e == nil {
		t.Fatal("expected a non-nil Egress")
	}
	defer e.Close()
	if e.writer.Topic != "tankfarm.custom" {
		t.Errorf("topic = %q, want tankfarm.custom", e.writer.Topic)
	}
}

func TestPublish_dropsWhenQueueFull(t *testing.T) {
	e := &Egress{log: logging.New("test"), queue: make(chan publishJob, MaxPublishQueueSize)}
	for i := 0; i < MaxPublishQueueSize; i++ {
		e.queue <- publishJob{key: []byte("x"), payload: []byte("{}")}
	}
	e.Publish(frame.Telemetry{TankID: "T1", DeviceID: "d1"})
	if len(e.queue) != MaxPublishQueueSize {
		t.Errorf("queue len = %d, want unchanged at capacity %d", len(e.queue), MaxPublishQueueSize)
	}
}

func TestNilEgress_publishAndCloseAreNoops(t *testing.T) {
	var e *Egress
	e.Publish(frame.Telemetry{TankID: "T1"}) // must not panic
	if err := e.Close(); err != nil {
		t.Errorf("Close on nil Egress = %v, want nil", err)
	}
}
