// Package publisher sends TelemetryFrames to the message broker
// (spec.md §4.6), publishing to topic
// `<siteNamespace>/<site_id>/<tank_id>/<device_id>/telemetry`.
//
// The connect/QoS/retain plumbing and the bounded worker pool that
// absorbs broker backpressure are grounded in the teacher's
// mqtt.Publisher (connect with auto-reconnect, a fixed-size pool of
// publish goroutines reading off a bounded channel) — repurposed here
// to publish outbound telemetry instead of subscribing for tag writes.
package publisher

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tankfarm/gateway/internal/frame"
	"github.com/tankfarm/gateway/internal/logging"
)

// MaxPublishWorkers bounds the number of concurrent in-flight publishes.
const MaxPublishWorkers = 5

// MaxPublishQueueSize bounds how many frames may be queued before
// Publish starts dropping frames instead of enqueueing them.
const MaxPublishQueueSize = 256

// Config configures the broker connection.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	ClientID  string
	UseTLS    bool
	Namespace string
	QoS       byte
	Retain    bool
}

type publishJob struct {
	topic   string
	payload []byte
}

// Publisher publishes telemetry frames to the broker. Publish errors
// are logged but never fail the calling tick (spec.md §4.6).
type Publisher struct {
	cfg Config
	log *logging.Logger

	mu      sync.RWMutex
	client  pahomqtt.Client
	running bool

	queue    chan publishJob
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// New returns an unconnected Publisher; call Start to connect.
func New(cfg Config, log *logging.Logger) *Publisher {
	return &Publisher{
		cfg:      cfg,
		log:      log,
		queue:    make(chan publishJob, MaxPublishQueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start connects to the broker and starts the publish workers.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	scheme := "tcp"
	if p.cfg.UseTLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, p.cfg.Host, p.cfg.Port))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publisher: connect timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("publisher: connect: %w", token.Error())
	}

	p.mu.Lock()
	p.client = client
	p.running = true
	p.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.mu.RLock()
			client := p.client
			p.mu.RUnlock()
			if client == nil {
				continue
			}
			token := client.Publish(job.topic, p.cfg.QoS, p.cfg.Retain, job.payload)
			if !token.WaitTimeout(2 * time.Second) {
				p.log.Errorf("publish to %s timed out", job.topic)
				continue
			}
			if err := token.Error(); err != nil {
				p.log.Errorf("publish to %s failed: %v", job.topic, err)
			}
		}
	}
}

// Topic builds the telemetry topic for one device, per spec.md §4.6.
func (p *Publisher) Topic(siteID, tankID, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/telemetry", p.cfg.Namespace, siteID, tankID, deviceID)
}

// Publish enqueues a frame for publication. It never blocks the poller
// indefinitely: if the queue is full the frame is dropped and logged,
// matching spec.md §4.6's "publish errors are logged but do not fail
// the tick" policy extended to backpressure.
func (p *Publisher) Publish(f frame.Telemetry) {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	payload, err := json.Marshal(f)
	if err != nil {
		p.log.Errorf("marshal frame for %s: %v", f.TankID, err)
		return
	}
	topic := p.Topic(f.SiteID, f.TankID, f.DeviceID)
	select {
	case p.queue <- publishJob{topic: topic, payload: payload}:
	default:
		p.log.Errorf("publish queue full, dropping frame for %s", f.TankID)
	}
}

// Stop disconnects from the broker and drains the worker pool.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	close(p.stopChan)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	if client != nil {
		client.Disconnect(500)
	}
}
