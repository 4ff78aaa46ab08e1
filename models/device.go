package models

import "time"

// Device is a registered remote endpoint. The id is generated on the
// device and is stable across re-registration; everything else is
// last-known-value and refreshed by register/heartbeat calls.
type Device struct {
	ID                         string     `json:"id"`
	Manufacturer               string     `json:"manufacturer"`
	Model                      string     `json:"model"`
	OSVersion                  string     `json:"os_version"`
	PushAddress                string     `json:"push_address,omitempty"`
	BatteryLevel               *int       `json:"battery_level,omitempty"`
	IsCharging                 *bool      `json:"is_charging,omitempty"`
	NetworkType                *string    `json:"network_type,omitempty"`
	AvailableStorage           *int64     `json:"available_storage,omitempty"`
	TotalStorage               *int64     `json:"total_storage,omitempty"`
	MonitoredPackages          []string   `json:"monitored_packages"`
	MonitoredPackagesUpdatedAt *time.Time `json:"monitored_packages_updated_at,omitempty"`
	Retired                    bool       `json:"retired"`
	CreatedAt                  time.Time  `json:"created_at"`
	LastSeen                   time.Time  `json:"last_seen"`
}

// DeviceDescriptor is the registration body sent by the agent.
type DeviceDescriptor struct {
	ID           string `json:"id"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	OSVersion    string `json:"os_version"`
	PushAddress  string `json:"push_address"`
}

// DeviceSnapshot is the heartbeat body: all fields optional, only the
// ones present overwrite the stored last-known values.
type DeviceSnapshot struct {
	ID               string  `json:"id"`
	PushAddress      string  `json:"push_address,omitempty"`
	BatteryLevel     *int    `json:"battery_level,omitempty"`
	IsCharging       *bool   `json:"is_charging,omitempty"`
	NetworkType      *string `json:"network_type,omitempty"`
	AvailableStorage *int64  `json:"available_storage,omitempty"`
	TotalStorage     *int64  `json:"total_storage,omitempty"`
}

// DeviceLiveness pairs a device with its derived online flag. Liveness
// is never stored; it is computed from last_seen at query time.
type DeviceLiveness struct {
	Device
	Online bool `json:"online"`
}
