// Package logwriter appends rate-limited NDJSON rows to per-family,
// per-site, per-tank, per-day log files (spec.md §4.5). Day boundaries
// fall at UTC-10 (Hawaii Standard Time, no DST) so a single HST day's
// rows always land in one file.
//
// The single-writer queue that serializes appends across every open
// stream is grounded in the teacher's logging.FileLogger (one mutex per
// file, append-only opens) generalized to a fan-out over many files fed
// by one queue, so writes to different tanks never interleave mid-line
// the way two independently-locked files still could under a shared
// buffered writer.
package logwriter

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tankfarm/gateway/internal/logging"
)

var hst = time.FixedZone("HST", -10*60*60)

// Row is one NDJSON line: the HST timestamp, tank id, and the
// whitelisted, rounded point values for that frame.
type Row struct {
	Family string
	Site   string
	TankID string
	TsUTC  time.Time
	Values map[string]float64
}

type rateKey struct {
	family string
	site   string
	tankID string
}

// Writer serializes appends across all open per-(family,site,tank,day)
// NDJSON streams and enforces the per-stream rate limit.
type Writer struct {
	dir         string
	minInterval time.Duration
	log         *logging.Logger

	whitelists *whitelistCache

	queue chan Row
	wg    sync.WaitGroup
	done  chan struct{}

	rateMu   sync.Mutex
	lastSent map[rateKey]time.Time

	streamMu sync.Mutex
	streams  map[string]*os.File
}

// New returns a Writer that will create files under dir. Call Start to
// begin draining the queue.
func New(dir string, minInterval time.Duration, log *logging.Logger) *Writer {
	return &Writer{
		dir:         dir,
		minInterval: minInterval,
		log:         log,
		whitelists:  newWhitelistCache(dir),
		queue:       make(chan Row, 1024),
		done:        make(chan struct{}),
		lastSent:    make(map[rateKey]time.Time),
		streams:     make(map[string]*os.File),
	}
}

// Start launches the single consumer goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Enqueue submits a row for logging. The rate-limit check happens here
// (before enqueueing) so a dropped row never occupies queue space.
// Backpressure is honored: if the queue is full, Enqueue blocks until
// the consumer drains it, per spec.md §4.5 ("awaiting the drain event
// before enqueueing more").
func (w *Writer) Enqueue(row Row) {
	key := rateKey{row.Family, row.Site, row.TankID}
	w.rateMu.Lock()
	last, ok := w.lastSent[key]
	if ok && row.TsUTC.Sub(last) < w.minInterval {
		w.rateMu.Unlock()
		return
	}
	w.lastSent[key] = row.TsUTC
	w.rateMu.Unlock()

	select {
	case w.queue <- row:
	case <-w.done:
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case row, ok := <-w.queue:
			if !ok {
				return
			}
			w.write(row)
		case <-w.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case row := <-w.queue:
					w.write(row)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(row Row) {
	allow := w.whitelists.get(row.Family)
	if len(allow) == 0 {
		return
	}

	filtered := make(map[string]interface{}, len(allow))
	for _, name := range allow {
		v, ok := row.Values[name]
		if !ok {
			continue
		}
		if name == "counter_value" || name == "timer_seconds" {
			filtered[name] = int64(v)
		} else {
			filtered[name] = roundTo1Decimal(v)
		}
	}

	line := map[string]interface{}{
		"ts_hst":  row.TsUTC.In(hst).Format("2006-01-02T15:04:05.000-07:00"),
		"tank_id": row.TankID,
	}
	for k, v := range filtered {
		line[k] = v
	}

	data, err := json.Marshal(line)
	if err != nil {
		w.log.Errorf("marshal log row for %s: %v", row.TankID, err)
		return
	}

	f, err := w.streamFor(row.Family, row.Site, row.TankID, row.TsUTC.In(hst))
	if err != nil {
		w.log.Errorf("open log stream for %s: %v", row.TankID, err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		w.log.Errorf("write log row for %s: %v", row.TankID, err)
	}
}

func roundTo1Decimal(v float64) float64 {
	return math.Round(v*10) / 10
}

// streamFor returns the (possibly newly opened) append stream for one
// day's file, keyed by a path cache so the same stream is reused for
// every row landing on the same HST day.
func (w *Writer) streamFor(family, site, tankID string, dayHST time.Time) (*os.File, error) {
	name := fmt.Sprintf("telemetry-%s-%s-%s-%s.ndjson", family, site, tankID, dayHST.Format("2006-01-02"))
	path := filepath.Join(w.dir, name)

	w.streamMu.Lock()
	defer w.streamMu.Unlock()

	if f, ok := w.streams[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w.streams[path] = f
	return f, nil
}

// Close drains the queue and closes every open stream, awaiting each
// close before returning (spec.md §4.5 shutdown sequence).
func (w *Writer) Close() {
	close(w.done)
	w.wg.Wait()

	w.streamMu.Lock()
	defer w.streamMu.Unlock()
	for path, f := range w.streams {
		if err := f.Close(); err != nil {
			w.log.Errorf("close log stream %s: %v", path, err)
		}
		delete(w.streams, path)
	}
}
