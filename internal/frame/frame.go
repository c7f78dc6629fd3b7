// Package frame defines the TelemetryFrame produced once per
// (device, tick) by the poller, per spec.md §3.
package frame

import "time"

// QC is the quality-control flag on a frame.
type QC struct {
	Status string `json:"status"` // "ok" or "fail"
	Error  string `json:"error,omitempty"`
}

// Telemetry is the JSON object produced by one device poll, whether
// successful or failed. It is produced once and never mutated.
type Telemetry struct {
	TsUTC     time.Time          `json:"ts_utc"`
	SchemaVer int                `json:"schema_ver"`
	SiteID    string             `json:"site_id"`
	TankID    string             `json:"tank_id"`
	DeviceID  string             `json:"device_id"`
	FW        string             `json:"fw,omitempty"`
	S         map[string]float64 `json:"s"`
	QC        QC                 `json:"qc"`
}

// OK reports whether the frame represents a successful poll.
func (t Telemetry) OK() bool { return t.QC.Status == "ok" }
