package publisher

import (
	"testing"

	"github.com/tankfarm/gateway/internal/frame"
	"github.com/tankfarm/gateway/internal/logging"
)

func TestTopic_buildsNamespacedPath(t *testing.T) {
	p := New(Config{Namespace: "telemetry"}, logging.New("test"))
	got := p.Topic("site1", "T1", "ctrl-T1")
	want := "telemetry/site1/T1/ctrl-T1/telemetry"
	if got != want {
		t.Errorf("Topic() = %q, want %q", got, want)
	}
}

func TestPublish_beforeStartIsNoop(t *testing.T) {
	p := New(Config{Namespace: "telemetry"}, logging.New("test"))
	p.Publish(frame.Telemetry{SiteID: "site1", TankID: "T1", DeviceID: "ctrl-T1"})
	select {
	case <-p.queue:
		t.Error("expected nothing queued before Start")
	default:
	}
}

func TestStop_beforeStartIsNoop(t *testing.T) {
	p := New(Config{}, logging.New("test"))
	p.Stop() // must not panic or block on an un-started publisher
}

func TestPublish_dropsWhenQueueFull(t *testing.T) {
	p := New(Config{Namespace: "telemetry"}, logging.New("test"))
	p.running = true // simulate a connected publisher without dialing a real broker
	for i := 0; i < MaxPublishQueueSize; i++ {
		p.queue <- publishJob{topic: "x", payload: []byte("{}")}
	}
	p.Publish(frame.Telemetry{SiteID: "site1", TankID: "T1", DeviceID: "d1"})
	if len(p.queue) != MaxPublishQueueSize {
		t.Errorf("queue len = %d, want unchanged at capacity %d", len(p.queue), MaxPublishQueueSize)
	}
}
