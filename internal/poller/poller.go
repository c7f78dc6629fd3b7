// Package poller drives the fixed-cadence polling tick described in
// spec.md §4.3: a bounded worker pool reads every configured device
// once per tick and fans the result out to the Live Cache, Publisher,
// Log Writer, and Alarm Engine.
//
// The shared-index worker pool is grounded in the teacher's
// plcman.Manager, adapted from "one goroutine per PLC, each on its own
// ticker" to "one tick, N workers draining a shared work list" — the
// gateway polls a flat, bounded device list once per cadence rather
// than maintaining a long-lived goroutine per device.
package poller

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tankfarm/gateway/internal/alarm"
	"github.com/tankfarm/gateway/internal/familyloader"
	"github.com/tankfarm/gateway/internal/frame"
	"github.com/tankfarm/gateway/internal/kafkaegress"
	"github.com/tankfarm/gateway/internal/livecache"
	"github.com/tankfarm/gateway/internal/logging"
	"github.com/tankfarm/gateway/internal/logwriter"
	"github.com/tankfarm/gateway/internal/modbus"
	"github.com/tankfarm/gateway/internal/publisher"
)

// SchemaVer is the TelemetryFrame schema version emitted on every frame.
const SchemaVer = 1

// Deps bundles every collaborator one tick touches.
type Deps struct {
	Transport   *modbus.Transport
	Cache       *livecache.Cache
	Publisher   *publisher.Publisher
	KafkaEgress *kafkaegress.Egress
	LogWriter   *logwriter.Writer
	Alarm       *alarm.Engine
	Loader      *familyloader.Loader
	Log         *logging.Logger

	SiteID string
}

// Poller owns the cadence scheduler and the bounded worker pool.
type Poller struct {
	deps        Deps
	cadence     time.Duration
	concurrency int
	reloadEvery time.Duration

	busy int32 // 1 while a tick is in flight; CAS-guarded, forbids overlap
}

// New builds a Poller. concurrency is clamped to at least 1.
func New(deps Deps, cadence time.Duration, concurrency int, reloadEvery time.Duration) *Poller {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Poller{deps: deps, cadence: cadence, concurrency: concurrency, reloadEvery: reloadEvery}
}

// Run drives the cadence and family-reload tickers until ctx is
// cancelled. On cancellation, Run allows the in-flight tick to
// complete before returning (spec.md §4.3, §5 cancellation policy).
func (p *Poller) Run(ctx context.Context) {
	p.deps.Loader.Reload()
	p.seedUtilityDevices()

	tick := time.NewTicker(p.cadence)
	reload := time.NewTicker(p.reloadEvery)
	defer tick.Stop()
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			p.waitForInFlightTick()
			return
		case <-reload.C:
			p.deps.Loader.Reload()
		case <-tick.C:
			p.maybeRunTick()
		}
	}
}

// seedUtilityDevices pre-populates the Live Cache for utility-family
// devices so the API surface is stable before the first successful
// poll (spec.md §4.4, §4.8).
func (p *Poller) seedUtilityDevices() {
	for _, f := range p.deps.Loader.Families() {
		if f.ID != "util" {
			continue
		}
		for _, d := range f.Devices {
			p.deps.Cache.Seed(d.TankID, f.ID, d.IP)
		}
	}
}

// waitForInFlightTick blocks until no tick is running. Used only at
// shutdown, where a short busy-poll is acceptable.
func (p *Poller) waitForInFlightTick() {
	for atomic.LoadInt32(&p.busy) == 1 {
		time.Sleep(50 * time.Millisecond)
	}
}

// maybeRunTick skips this cadence firing entirely if the previous tick
// is still running (spec.md §4.3: "concurrent overlapping ticks are
// forbidden").
func (p *Poller) maybeRunTick() {
	if !atomic.CompareAndSwapInt32(&p.busy, 0, 1) {
		p.deps.Log.Errorf("tick skipped: previous tick still in flight")
		return
	}
	defer atomic.StoreInt32(&p.busy, 0)
	p.runTick()
}

type job struct {
	family *familyloader.Family
	device familyloader.Device
}

// runTick executes one full poll cycle synchronously.
func (p *Poller) runTick() {
	families := p.deps.Loader.Families()

	var work []job
	for _, f := range families {
		for _, d := range f.Devices {
			work = append(work, job{family: f, device: d})
		}
	}
	if len(work) == 0 {
		return
	}

	concurrency := p.concurrency
	if concurrency > len(work) {
		concurrency = len(work)
	}

	var nextIndex int64 = -1
	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := atomic.AddInt64(&nextIndex, 1)
				if int(i) >= len(work) {
					return
				}
				if i%3 == 0 {
					time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
				}
				p.pollOne(work[i].family, work[i].device)
			}
		}()
	}
	wg.Wait()

	p.deps.Alarm.FlushBatch()
}

// pollOne reads, decodes, and fans out the result for one device. It
// never returns an error: transport/decode failures become a qc=fail
// frame instead (spec.md §4.3 step 4).
func (p *Poller) pollOne(f *familyloader.Family, d familyloader.Device) {
	now := time.Now().UTC()
	deviceID := fmt.Sprintf("%s-%s", f.DevicePrefix, d.TankID)

	blocks := f.RegisterMap.GetBlocks()
	raw, err := p.deps.Transport.ReadBlocksForDevice(d.IP, d.Port, d.UnitID, blocks)

	var fr frame.Telemetry
	if err != nil {
		fr = frame.Telemetry{
			TsUTC:     now,
			SchemaVer: SchemaVer,
			SiteID:    p.deps.SiteID,
			TankID:    d.TankID,
			DeviceID:  deviceID,
			S:         map[string]float64{},
			QC:        frame.QC{Status: "fail", Error: err.Error()},
		}
	} else {
		values := f.RegisterMap.DecodePointsFromBlocks(raw)
		fr = frame.Telemetry{
			TsUTC:     now,
			SchemaVer: SchemaVer,
			SiteID:    p.deps.SiteID,
			TankID:    d.TankID,
			DeviceID:  deviceID,
			S:         values,
			QC:        frame.QC{Status: "ok"},
		}
	}

	p.deps.Cache.Update(d.TankID, f.ID, d.IP, fr.TsUTC, fr.QC.Status, fr.S)
	p.deps.Publisher.Publish(fr)
	p.deps.KafkaEgress.Publish(fr)
	p.deps.LogWriter.Enqueue(logwriter.Row{
		Family: f.ID,
		Site:   p.deps.SiteID,
		TankID: d.TankID,
		TsUTC:  fr.TsUTC,
		Values: fr.S,
	})
	p.deps.Alarm.EvaluateFrame(f.ID, d.TankID, fr)
}
