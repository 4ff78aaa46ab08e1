package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetcontrol/models"
)

// registerBuiltinHandlers installs the platform-independent command
// executors. Handlers that need OS capabilities (screenshot, camera,
// sms-send, lock) are left to platform code via RegisterHandler; an
// unregistered type is reported back as failed, not dropped.
func (a *Agent) registerBuiltinHandlers() {
	a.RegisterHandler("location-request", a.handleLocationRequest)
	a.RegisterHandler("sync-logs", a.handleSyncLogs)
	a.RegisterHandler("app-monitor", handleAppMonitor)
	a.RegisterHandler("custom", handleCustom)
}

// handleLocationRequest forwards the last known position as a
// location telemetry event and echoes it in the command response.
// Platform code overrides this with a live GPS fix where available.
func (a *Agent) handleLocationRequest(ctx context.Context, params map[string]any) (string, error) {
	position := a.lastKnownPosition()
	if position == nil {
		return "", fmt.Errorf("no position available")
	}
	if err := a.Submit(models.CategoryLocation, time.Now(), position); err != nil {
		return "", err
	}
	encoded, err := json.Marshal(position)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// lastKnownPosition reads the newest spooled location event, if any.
func (a *Agent) lastKnownPosition() map[string]any {
	event, ok := a.state.LastSpooled(models.CategoryLocation)
	if !ok {
		return nil
	}
	return event.Payload
}

// handleSyncLogs forces an immediate telemetry flush instead of
// waiting for the next interval.
func (a *Agent) handleSyncLogs(ctx context.Context, params map[string]any) (string, error) {
	a.flush(ctx)
	return "logs synced", nil
}

// handleAppMonitor acknowledges the new monitored package list. The
// authoritative copy lives server-side as a versioned device
// attribute; the agent only confirms adoption.
func handleAppMonitor(ctx context.Context, params map[string]any) (string, error) {
	raw, ok := params["packages"].([]any)
	if !ok {
		return "", fmt.Errorf("missing packages list")
	}
	return fmt.Sprintf("monitoring %d package(s)", len(raw)), nil
}

func handleCustom(ctx context.Context, params map[string]any) (string, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return "acknowledged: " + string(encoded), nil
}
