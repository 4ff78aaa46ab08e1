package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleetcontrol/config"
	"fleetcontrol/models"
	"fleetcontrol/service"
)

// Config holds the agent settings.
type Config struct {
	ServerURL         string          `yaml:"server_url"`
	StatePath         string          `yaml:"state_path"`
	HeartbeatInterval config.Duration `yaml:"heartbeat_interval"`
	FlushInterval     config.Duration `yaml:"flush_interval"`
	Manufacturer      string          `yaml:"manufacturer"`
	Model             string          `yaml:"model"`
	OSVersion         string          `yaml:"os_version"`
}

// DefaultConfig returns agent defaults; the reference heartbeat
// interval is 15 minutes.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "http://localhost:8080",
		StatePath:         "./data/agent-state.json",
		HeartbeatInterval: config.Duration(15 * time.Minute),
		FlushInterval:     config.Duration(30 * time.Second),
	}
}

// Handler executes one command type locally and returns the result
// payload (or an error, which becomes the failed response).
type Handler func(ctx context.Context, params map[string]any) (string, error)

// SnapshotFunc supplies the optional heartbeat snapshot fields
// (battery, network, storage). Platform code plugs one in; the zero
// value sends bare heartbeats.
type SnapshotFunc func() models.DeviceSnapshot

// Agent is the per-endpoint process: it keeps presence with
// heartbeats, listens on the push channel, executes commands, reports
// results and forwards captured telemetry. All cross-restart state
// lives in the StateStore.
type Agent struct {
	cfg      Config
	state    *StateStore
	client   *http.Client
	handlers map[string]Handler
	snapshot SnapshotFunc
}

func New(cfg Config) (*Agent, error) {
	state, err := LoadState(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		state:    state,
		client:   &http.Client{Timeout: 30 * time.Second},
		handlers: map[string]Handler{},
	}
	a.registerBuiltinHandlers()
	return a, nil
}

// RegisterHandler installs the executor for one command type,
// mirroring the server's schema table: new types are additive.
func (a *Agent) RegisterHandler(cmdType string, h Handler) {
	a.handlers[cmdType] = h
}

// SetSnapshotFunc installs the heartbeat snapshot supplier.
func (a *Agent) SetSnapshotFunc(f SnapshotFunc) {
	a.snapshot = f
}

// Run registers the device, then keeps heartbeat, push and telemetry
// loops going until the context is cancelled. A restart re-registers
// and resubscribes, since in-memory push subscriptions do not survive.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("initial registration: %w", err)
	}
	log.Printf("[AGENT] Registered as device %s", a.state.DeviceID())

	go a.heartbeatLoop(ctx)
	go a.flushLoop(ctx)
	a.pushLoop(ctx)

	return ctx.Err()
}

func (a *Agent) register(ctx context.Context) error {
	descriptor := models.DeviceDescriptor{
		ID:           a.state.DeviceID(),
		Manufacturer: a.cfg.Manufacturer,
		Model:        a.cfg.Model,
		OSVersion:    a.cfg.OSVersion,
		PushAddress:  a.state.PushToken(),
	}
	return a.postJSON(ctx, "/devices/register", descriptor)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				log.Printf("[AGENT] Heartbeat failed: %v", err)
			}
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	var snapshot models.DeviceSnapshot
	if a.snapshot != nil {
		snapshot = a.snapshot()
	}
	snapshot.ID = a.state.DeviceID()
	snapshot.PushAddress = a.state.PushToken()
	return a.postJSON(ctx, "/devices/heartbeat", snapshot)
}

// Submit records a locally captured telemetry event for forwarding.
// The content hash over (category, timestamp, payload) is the dedup
// key, so at-least-once shipping never turns into duplicate storage.
func (a *Agent) Submit(category string, timestamp time.Time, payload map[string]any) error {
	if !models.ValidCategory(category) {
		return fmt.Errorf("unknown telemetry category %q", category)
	}
	event := models.IncomingEvent{Timestamp: timestamp, Payload: payload}
	_, err := a.state.Enqueue(category, event, eventHash(category, event))
	return err
}

func eventHash(category string, event models.IncomingEvent) string {
	payload, _ := json.Marshal(event.Payload)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", category, event.Timestamp.UnixMilli(), payload)))
	return hex.EncodeToString(sum[:])
}

func (a *Agent) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

func (a *Agent) flush(ctx context.Context) {
	spool, err := a.state.TakeSpool()
	if err != nil {
		log.Printf("[AGENT] Failed to drain spool: %v", err)
		return
	}

	deviceID := a.state.DeviceID()
	for category, events := range spool {
		batch := models.TelemetryBatch{Events: events}
		if err := a.postJSON(ctx, "/logs/"+category+"/"+deviceID, batch); err != nil {
			log.Printf("[AGENT] Upload of %d %s event(s) failed, requeueing: %v", len(events), category, err)
			if err := a.state.Requeue(category, events); err != nil {
				log.Printf("[AGENT] Requeue failed: %v", err)
			}
		}
	}
}

// handleEnvelope processes one push-delivered command. Receipt is
// idempotent on command_id; execution outcome is reported back over
// HTTP, where the server tolerates duplicates in turn.
func (a *Agent) handleEnvelope(ctx context.Context, env service.Envelope) {
	first, err := a.state.MarkSeen(env.CommandID)
	if err != nil {
		log.Printf("[AGENT] Failed to persist command receipt: %v", err)
	}
	if !first {
		log.Printf("[AGENT] Duplicate delivery of command %s ignored", env.CommandID)
		return
	}

	handler, ok := a.handlers[env.Type]
	if !ok {
		a.report(ctx, env.CommandID, models.CommandFailed, "unsupported command type: "+env.Type)
		return
	}

	response, err := handler(ctx, env.Params)
	if err != nil {
		a.report(ctx, env.CommandID, models.CommandFailed, err.Error())
		return
	}
	a.report(ctx, env.CommandID, models.CommandCompleted, response)
}

func (a *Agent) report(ctx context.Context, commandID, outcome, response string) {
	body := models.ResultReport{Outcome: outcome, Response: response}
	if err := a.postJSON(ctx, "/commands/"+commandID+"/result", body); err != nil {
		log.Printf("[AGENT] Result report for %s failed: %v", commandID, err)
	}
}

func (a *Agent) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d for %s", resp.StatusCode, path)
	}
	return nil
}

// pushURL derives the websocket endpoint from the server URL.
func (a *Agent) pushURL() (string, error) {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/push"
	u.RawQuery = "token=" + url.QueryEscape(a.state.PushToken())
	return u.String(), nil
}
