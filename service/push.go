package service

import (
	"context"

	"fleetcontrol/models"
)

// Envelope is the wire payload handed to a device over the push
// channel. The device's receipt handler must treat duplicate delivery
// of the same CommandID as a no-op.
type Envelope struct {
	CommandID string         `json:"command_id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params"`
}

// DeliveryStatus is the adapter's verdict on one delivery attempt.
type DeliveryStatus int

const (
	// DeliveryAccepted means the push channel accepted the message
	// for forwarding. It says nothing about the device receiving or
	// executing it; that acknowledgment arrives later, out of band,
	// through the device's own result report.
	DeliveryAccepted DeliveryStatus = iota

	// DeliveryRejected means the channel refused the message.
	DeliveryRejected

	// DeliveryUnreachable means there is no usable push address or
	// connection for the device. Nothing is actionable until the
	// device re-registers with a fresh address.
	DeliveryUnreachable
)

// DeliveryOutcome carries the status plus a human-readable reason for
// the non-accepted cases.
type DeliveryOutcome struct {
	Status DeliveryStatus
	Reason string
}

// PushSender abstracts the best-effort, at-most-once push channel used
// to wake a device and hand it a command. Implementations must never
// block waiting for device acknowledgment and must respect the
// context deadline.
type PushSender interface {
	Deliver(ctx context.Context, device models.Device, env Envelope) DeliveryOutcome
}
