// Package alarm implements the stateful alarm engine (spec.md §4.7):
// a small seeded rule set evaluated once per frame, edge-triggered
// state transitions, connectivity tracking, and a once-per-tick
// batched notification flush.
//
// The rule/status vocabulary is grounded in the teacher's rule.Rule
// state machine (rule/rule.go) — Status, edge detection via a
// last-aggregate-result field, fire counting — narrowed here to the
// two-state (active/inactive) model spec.md §3's AlarmState calls for,
// since the gateway's rules are simple threshold/connectivity checks
// rather than the teacher's multi-condition dispatch rules.
package alarm

// Kind distinguishes the two rule shapes spec.md §4.7 defines.
type Kind string

const (
	KindMetricThreshold Kind = "metric_threshold"
	KindQCFail          Kind = "qc_fail"
)

// Rule is one seeded alarm definition. Family == "" means the rule
// applies to every family (qc_fail).
type Rule struct {
	ID          string
	Family      string
	Kind        Kind
	Metric      string
	Severity    string
	Description string
}

// SeedRules returns the three rules named in spec.md §4.7. Thresholds
// are not stored on the rule itself — they are read from the engine's
// live config.Document at evaluation time so a threshold update takes
// effect on the very next tick.
func SeedRules() []Rule {
	return []Rule{
		{
			ID:          "ctrl_ph_out_of_range",
			Family:      "ctrl",
			Kind:        KindMetricThreshold,
			Metric:      "ph",
			Severity:    "warning",
			Description: "pH out of configured range",
		},
		{
			ID:          "ctrl_temp_out_of_range",
			Family:      "ctrl",
			Kind:        KindMetricThreshold,
			Metric:      "temp1_C",
			Severity:    "warning",
			Description: "Temperature out of configured range",
		},
		{
			ID:          "qc_fail",
			Family:      "",
			Kind:        KindQCFail,
			Severity:    "critical",
			Description: "Device has been offline beyond the connectivity alarm window",
		},
	}
}
