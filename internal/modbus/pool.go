package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/tankfarm/gateway/internal/logging"
	"github.com/tankfarm/gateway/internal/regmap"
)

// Options tunes connection and retry behavior. Zero values fall back
// to the defaults named in spec.md §4.2.
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	IdleCloseAfter time.Duration
	MaxRetries     int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2500 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 1500 * time.Millisecond
	}
	if o.IdleCloseAfter <= 0 {
		o.IdleCloseAfter = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2 // + the initial attempt = 3 total, per spec.md default
	}
	return o
}

type poolKey struct {
	ip     string
	port   int
	unitID uint8
}

type poolEntry struct {
	mu       sync.Mutex
	c        *client
	closing  bool
	lastUsed time.Time
	timer    *time.Timer
}

// Transport is the process-wide pooled Modbus TCP client described in
// spec.md §4.2. One Transport instance is shared by every poller
// worker; a device is only ever addressed by one worker per tick (the
// poller guarantees this), so the pool entry needs no per-request
// locking beyond protecting the map and idle-timer bookkeeping.
type Transport struct {
	opts Options
	log  *logging.Logger

	mu   sync.Mutex
	pool map[poolKey]*poolEntry
}

// NewTransport creates a Transport with the given options.
func NewTransport(opts Options, log *logging.Logger) *Transport {
	return &Transport{opts: opts.withDefaults(), log: log, pool: make(map[poolKey]*poolEntry)}
}

// getOrCreate returns the pooled connection for (ip,port,unitID),
// opening a new one if none exists or the existing one is closing.
func (t *Transport) getOrCreate(ip string, port int, unitID uint8) (*client, *poolEntry, error) {
	key := poolKey{ip, port, unitID}

	t.mu.Lock()
	entry, ok := t.pool[key]
	if !ok || entry.closing {
		entry = &poolEntry{}
		t.pool[key] = entry
	}
	t.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.c != nil && !entry.closing {
		entry.lastUsed = time.Now()
		t.rescheduleIdle(key, entry)
		return entry.c, entry, nil
	}

	c, err := dial(ip, port, unitID, t.opts.ConnectTimeout, t.opts.RequestTimeout)
	if err != nil {
		return nil, nil, err
	}
	entry.c = c
	entry.closing = false
	entry.lastUsed = time.Now()
	t.rescheduleIdle(key, entry)
	return c, entry, nil
}

// rescheduleIdle arms (or re-arms) the idle-closure timer for entry.
// Caller must hold entry.mu.
func (t *Transport) rescheduleIdle(key poolKey, entry *poolEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(t.opts.IdleCloseAfter, func() {
		t.checkIdle(key, entry)
	})
}

func (t *Transport) checkIdle(key poolKey, entry *poolEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.c == nil {
		return
	}
	if time.Since(entry.lastUsed) >= t.opts.IdleCloseAfter {
		entry.c.close()
		entry.c = nil
		entry.closing = true
		t.log.Debugf("closed idle connection to %s", key.ip)
		t.mu.Lock()
		delete(t.pool, key)
		t.mu.Unlock()
		return
	}
	// Used since last check; reschedule for the remaining time.
	entry.timer = time.AfterFunc(t.opts.IdleCloseAfter-time.Since(entry.lastUsed), func() {
		t.checkIdle(key, entry)
	})
}

// poison marks the pool entry for (ip,port,unitID) as closing after a
// socket-level error, so the next caller reconnects instead of reusing
// a dead socket (spec.md §4.2 failure model).
func (t *Transport) poison(ip string, port int, unitID uint8, entry *poolEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.c != nil {
		entry.c.close()
	}
	entry.c = nil
	entry.closing = true

	key := poolKey{ip, port, unitID}
	t.mu.Lock()
	delete(t.pool, key)
	t.mu.Unlock()
}

// withRetry runs op up to opts.MaxRetries+1 times with the backoff
// policy from spec.md §4.2 (150 + attempt*200 ms), returning the last
// error if every attempt fails.
func (t *Transport) withRetry(op func() error) error {
	var lastErr error
	attempts := t.opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(150+attempt*200) * time.Millisecond)
		}
		if err := op(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// ReadBlocksForDevice reads every declared block in order (spec.md
// §4.2), returning block name -> raw bytes. On the final failure of any
// block read, the error is returned immediately without reading the
// remaining blocks.
func (t *Transport) ReadBlocksForDevice(ip string, port int, unitID uint8, blocks []regmap.Block) (map[string][]byte, error) {
	out := make(map[string][]byte, len(blocks))
	for _, b := range blocks {
		if b.FC != 3 {
			panic(fmt.Sprintf("modbus: block %q declares fn=%d, only fn=3 is supported", b.Name, b.FC))
		}
		var buf []byte
		err := t.withRetry(func() error {
			c, entry, err := t.getOrCreate(ip, port, unitID)
			if err != nil {
				return err
			}
			regs, err := c.readHoldingRegisters(uint16(b.Start), uint16(b.Len))
			if err != nil {
				t.poison(ip, port, unitID, entry)
				return err
			}
			buf = regs
			return nil
		})
		if err != nil {
			return nil, err
		}
		out[b.Name] = buf
	}
	return out, nil
}

// WriteRegisters issues a single register write (fc=6) or a multi
// register write (fc=16) under the same retry policy as reads.
func (t *Transport) WriteRegisters(ip string, port int, unitID uint8, fc int, start int, values []uint16) error {
	switch fc {
	case 6:
		if len(values) != 1 {
			return fmt.Errorf("modbus: fc6 requires exactly one value, got %d", len(values))
		}
	case 16:
	default:
		return fmt.Errorf("modbus: unsupported write function code %d", fc)
	}

	return t.withRetry(func() error {
		c, entry, err := t.getOrCreate(ip, port, unitID)
		if err != nil {
			return err
		}
		var werr error
		if fc == 6 {
			werr = c.writeSingleRegister(uint16(start), values[0])
		} else {
			werr = c.writeMultipleRegisters(uint16(start), values)
		}
		if werr != nil {
			t.poison(ip, port, unitID, entry)
		}
		return werr
	})
}

// CloseAll closes every pooled connection, used at shutdown.
func (t *Transport) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.pool {
		entry.mu.Lock()
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.c != nil {
			entry.c.close()
		}
		entry.mu.Unlock()
		delete(t.pool, key)
	}
}
