package domain

import "time"

// Metric is a single telemetry event reported by the website.
// Pointer fields are nullable columns. CreatedAt is the acceptance time stamped
// by the API; the stored row's created_at comes from the database clock.
type Metric struct {
	ID         int64          `json:"id,omitempty"`
	EventName  string         `json:"eventName"`
	Page       string         `json:"page"`
	SessionID  *string        `json:"sessionId,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	DurationMs *int64         `json:"durationMs,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Validation constraints for metric events.
const (
	MaxEventNameLen = 80
	MaxPageLen      = 200
	MaxSessionIDLen = 120
	MaxDurationMs   = 3_600_000
	MaxMetaBytes    = 4096
	DefaultPage     = "/"
)

// Session returns the session id or "" when absent.
func (m *Metric) Session() string {
	if m.SessionID == nil {
		return ""
	}
	return *m.SessionID
}
