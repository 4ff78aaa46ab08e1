package service

import (
	"context"
	"time"

	"fleetcontrol/models"
)

// Gateway is the read side for the administrator console. It only
// composes state owned by the registry, the telemetry store and the
// command engine; it has no mutating methods, so console code never
// touches storage directly.
type Gateway struct {
	registry          *Registry
	telemetry         *TelemetryStore
	commands          *CommandEngine
	livenessThreshold time.Duration
	now               func() time.Time
}

func NewGateway(registry *Registry, telemetry *TelemetryStore, commands *CommandEngine, livenessThreshold time.Duration) *Gateway {
	return &Gateway{
		registry:          registry,
		telemetry:         telemetry,
		commands:          commands,
		livenessThreshold: livenessThreshold,
		now:               time.Now,
	}
}

// DeviceOverview joins a device with its derived liveness, the most
// recent event per telemetry category and the open command list.
type DeviceOverview struct {
	models.Device
	Online       bool                             `json:"online"`
	Latest       map[string]models.TelemetryEvent `json:"latest_events"`
	OpenCommands []models.Command                 `json:"open_commands"`
}

// DeviceOverview returns the composed view for one device.
func (g *Gateway) DeviceOverview(ctx context.Context, deviceID string) (DeviceOverview, error) {
	device, err := g.registry.Get(ctx, deviceID)
	if err != nil {
		return DeviceOverview{}, err
	}
	latest, err := g.telemetry.Latest(ctx, deviceID)
	if err != nil {
		return DeviceOverview{}, err
	}
	open, err := g.commands.Open(ctx, deviceID)
	if err != nil {
		return DeviceOverview{}, err
	}
	if open == nil {
		open = []models.Command{}
	}
	return DeviceOverview{
		Device:       device,
		Online:       g.now().Sub(device.LastSeen) < g.livenessThreshold,
		Latest:       latest,
		OpenCommands: open,
	}, nil
}

// CommandHistory returns the device's commands, newest first.
func (g *Gateway) CommandHistory(ctx context.Context, deviceID string, limit int) ([]models.Command, error) {
	return g.commands.History(ctx, deviceID, limit)
}

// Devices returns every device with derived liveness.
func (g *Gateway) Devices(ctx context.Context) ([]models.DeviceLiveness, error) {
	return g.registry.ListLiveness(ctx, g.livenessThreshold)
}
