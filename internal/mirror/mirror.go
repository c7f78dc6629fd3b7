// Package mirror republishes Live Cache updates to Valkey/Redis so a
// second process can subscribe to tank snapshots without polling the
// HTTP API. It is additive to spec.md §4.4 — the in-process Live Cache
// remains the only thing the API surface reads; this is best-effort
// egress, grounded in the teacher's valkey.Publisher connection
// lifecycle (dial once, ping, reconnect lazily on error).
package mirror

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tankfarm/gateway/internal/livecache"
	"github.com/tankfarm/gateway/internal/logging"
)

// Config configures the Valkey/Redis mirror connection.
type Config struct {
	Addr     string
	Password string
	Database int
	UseTLS   bool
	KeyTTL   time.Duration
}

// Mirror publishes livecache.Snapshot updates to Valkey as JSON values
// under key "snapshot:<tankID>", with an optional TTL.
type Mirror struct {
	cfg    Config
	client *redis.Client
	log    *logging.Logger
}

// New builds a Valkey client; the connection is opened lazily on the
// first command. If cfg.Addr is empty, New returns nil — the
// gateway runs with no mirror configured (spec.md's Non-goals don't
// require this component at all; it is purely additive).
func New(cfg Config, log *logging.Logger) *Mirror {
	if cfg.Addr == "" {
		return nil
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Mirror{cfg: cfg, client: redis.NewClient(opts), log: log}
}

// OnUpdate is a livecache.Cache onUpdate callback: best-effort, it
// blocks the caller for at most 500 ms per SET and only logs failures.
func (m *Mirror) OnUpdate(tankID string, snap livecache.Snapshot) {
	if m == nil {
		return
	}
	payload, err := json.Marshal(snap.Flatten())
	if err != nil {
		m.log.Errorf("marshal snapshot for %s: %v", tankID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	key := fmt.Sprintf("snapshot:%s", tankID)
	if err := m.client.Set(ctx, key, payload, m.cfg.KeyTTL).Err(); err != nil {
		m.log.Debugf("mirror publish failed for %s: %v", tankID, err)
	}
}

// Close releases the underlying Redis connection.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
