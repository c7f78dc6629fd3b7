package alarm

import "time"

// stateKey identifies one rule's evaluation state for one tank.
type stateKey struct {
	ruleID string
	tankID string
}

// ruleState is the boolean edge state for one (rule, tank) pair.
// Only transitions matter; the value itself is re-derived every tick.
type ruleState struct {
	active     bool
	lastChange time.Time
}

// connState is per-tank connectivity bookkeeping (spec.md §3
// ConnectivityState), used only by the qc_fail rule.
type connState struct {
	lastOk           *time.Time
	firstFail        *time.Time
	consecutiveFails int
}

// EventKind is the notification verb emitted on a state edge.
type EventKind string

const (
	EventAlarm    EventKind = "ALARM"
	EventResolved EventKind = "RESOLVED"
)

// Event is one edge-triggered notification, pending until the next
// batch flush.
type Event struct {
	Kind      EventKind
	RuleID    string
	Family    string
	TankID    string
	Detail    string
	Severity  string
	Timestamp time.Time
}
