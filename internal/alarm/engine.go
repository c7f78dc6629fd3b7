package alarm

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tankfarm/gateway/internal/config"
	"github.com/tankfarm/gateway/internal/frame"
	"github.com/tankfarm/gateway/internal/logging"
)

// Engine evaluates the seeded rule set against every frame produced by
// the poller, tracks edge-triggered alarm state and per-tank
// connectivity, and flushes a batched notification once per tick.
//
// The Alarm State and Connectivity State maps are the engine's own
// exclusive write domain (spec.md §5), so a single mutex covers both —
// there is no cross-goroutine handoff of these maps outside Engine's
// methods.
type Engine struct {
	rules                   []Rule
	doc                     *config.Document
	connectivityAlarmWindow time.Duration
	notifier                Notifier
	log                     *logging.Logger

	mu           sync.Mutex
	states       map[stateKey]ruleState
	connectivity map[string]connState
	pending      []Event
}

// New builds an Engine with the seeded rule set from a live thresholds
// document. connectivityAlarmWindow is the offline duration a device
// must reach before qc_fail activates (spec.md default 60 min).
func New(doc *config.Document, connectivityAlarmWindow time.Duration, notifier Notifier, log *logging.Logger) *Engine {
	return &Engine{
		rules:                   SeedRules(),
		doc:                     doc,
		connectivityAlarmWindow: connectivityAlarmWindow,
		notifier:                notifier,
		log:                     log,
		states:                  make(map[stateKey]ruleState),
		connectivity:            make(map[string]connState),
	}
}

// EvaluateFrame runs every rule applicable to family against f, at the
// end of one worker's device poll (spec.md §4.3 step 3). Edge changes
// are appended to the pending batch; nothing is dispatched here.
func (e *Engine) EvaluateFrame(family, tankID string, f frame.Telemetry) {
	now := f.TsUTC
	if now.IsZero() {
		now = time.Now().UTC()
	}
	for _, r := range e.rules {
		if r.Family != "" && r.Family != family {
			continue
		}
		switch r.Kind {
		case KindMetricThreshold:
			e.evalMetricThreshold(r, family, tankID, f, now)
		case KindQCFail:
			e.evalQCFail(r, family, tankID, f, now)
		}
	}
}

func (e *Engine) evalMetricThreshold(r Rule, family, tankID string, f frame.Telemetry, now time.Time) {
	value, ok := f.S[r.Metric]
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}

	bounds := e.boundsFor(r)
	active := value < bounds.Low || value > bounds.High

	var detail string
	if active {
		if value < bounds.Low {
			detail = fmt.Sprintf("%s=%.2f below low threshold %.2f", r.Metric, value, bounds.Low)
		} else {
			detail = fmt.Sprintf("%s=%.2f above high threshold %.2f", r.Metric, value, bounds.High)
		}
	}
	e.transition(r, family, tankID, active, detail, now)
}

func (e *Engine) boundsFor(r Rule) config.Bounds {
	clone := e.doc.Clone()
	switch r.Metric {
	case "ph":
		return clone.PH
	case "temp1_C":
		return clone.Temp
	default:
		return config.Bounds{Low: math.Inf(-1), High: math.Inf(1)}
	}
}

func (e *Engine) evalQCFail(r Rule, family, tankID string, f frame.Telemetry, now time.Time) {
	if !e.doc.Clone().Connectivity.QCAlarmsEnabled {
		return
	}

	e.mu.Lock()
	cs := e.connectivity[tankID]
	if f.OK() {
		cs.lastOk = &now
		cs.firstFail = nil
		cs.consecutiveFails = 0
	} else {
		cs.consecutiveFails++
		if cs.firstFail == nil {
			cs.firstFail = &now
		}
	}
	e.connectivity[tankID] = cs
	e.mu.Unlock()

	since := now
	switch {
	case cs.lastOk != nil:
		since = *cs.lastOk
	case cs.firstFail != nil:
		since = *cs.firstFail
	}
	offline := now.Sub(since)
	active := offline >= e.connectivityAlarmWindow

	var detail string
	if active {
		detail = fmt.Sprintf("offline for %s (threshold %s)", offline.Round(time.Second), e.connectivityAlarmWindow)
	}
	e.transition(r, family, tankID, active, detail, now)
}

// transition applies the edge-triggered state machine: only a change
// from the recorded state produces an Event (spec.md §4.7 "an event is
// produced only on edge change").
func (e *Engine) transition(r Rule, family, tankID string, active bool, detail string, now time.Time) {
	key := stateKey{ruleID: r.ID, tankID: tankID}

	e.mu.Lock()
	prev, existed := e.states[key]
	edge := !existed && active || existed && prev.active != active
	if edge {
		e.states[key] = ruleState{active: active, lastChange: now}
	} else if existed {
		prev.active = active
		e.states[key] = prev
	} else {
		e.states[key] = ruleState{active: active, lastChange: now}
	}
	e.mu.Unlock()

	if !edge {
		return
	}

	kind := EventResolved
	if active {
		kind = EventAlarm
	}
	ev := Event{
		Kind:      kind,
		RuleID:    r.ID,
		Family:    family,
		TankID:    tankID,
		Detail:    detail,
		Severity:  r.Severity,
		Timestamp: now,
	}
	e.mu.Lock()
	e.pending = append(e.pending, ev)
	e.mu.Unlock()
}

// FlushBatch dispatches every pending event as a single notification
// message, grouped by (family, tankId), then clears the batch
// unconditionally — a failed dispatch is logged and discarded, never
// retried (spec.md §4.7).
func (e *Engine) FlushBatch() {
	e.mu.Lock()
	events := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(events) == 0 || e.notifier == nil {
		return
	}

	msg := formatBatch(events)
	if err := e.notifier.Notify(msg); err != nil {
		e.log.Errorf("alarm notification dispatch failed: %v", err)
	}
}

type tankKey struct {
	family string
	tankID string
}

func formatBatch(events []Event) string {
	grouped := make(map[tankKey][]Event)
	var order []tankKey
	for _, ev := range events {
		k := tankKey{ev.Family, ev.TankID}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], ev)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].family != order[j].family {
			return order[i].family < order[j].family
		}
		return order[i].tankID < order[j].tankID
	})

	var b strings.Builder
	for _, k := range order {
		fmt.Fprintf(&b, "[%s/%s]\n", k.family, k.tankID)
		evs := grouped[k]
		for _, ev := range evs {
			if ev.Kind != EventAlarm {
				continue
			}
			fmt.Fprintf(&b, "  ALARM %s: %s\n", ev.RuleID, ev.Detail)
		}
		for _, ev := range evs {
			if ev.Kind != EventResolved {
				continue
			}
			fmt.Fprintf(&b, "  RESOLVED %s: %s\n", ev.RuleID, ev.Detail)
		}
	}
	return b.String()
}

// GetThresholds returns a defensive clone of the current alarm config.
func (e *Engine) GetThresholds() config.Document {
	return e.doc.Clone()
}

// ConnState is the exported view of a tank's connectivity bookkeeping,
// surfaced to the API (spec.md §4.9 "Per-tank connectivity status
// endpoint").
type ConnState struct {
	LastOk           *time.Time
	FirstFail        *time.Time
	ConsecutiveFails int
}

// ConnectivitySnapshot returns a defensive copy of the engine's
// per-tank connectivity state, keyed by tank id.
func (e *Engine) ConnectivitySnapshot() map[string]ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ConnState, len(e.connectivity))
	for tankID, cs := range e.connectivity {
		out[tankID] = ConnState{LastOk: cs.lastOk, FirstFail: cs.firstFail, ConsecutiveFails: cs.consecutiveFails}
	}
	return out
}

// SetThresholds validates and applies a new alarm config, persisting
// it to persistPath atomically. Validation delegates to
// config.Document.Update.
func (e *Engine) SetThresholds(ph, temp config.Bounds, conn config.ConnectivityToggle, persistPath string) error {
	if err := e.doc.Update(ph, temp, conn); err != nil {
		return err
	}
	return config.SaveDocument(persistPath, e.doc)
}
