package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"fleetcontrol/models"
)

// CommandEngine owns the command state machine:
// pending -> dispatched -> {completed, failed}. Every transition is a
// compare-and-swap on the current status, so Dispatch, ReportResult
// and the staleness sweep can race without locking unrelated rows:
// whichever transition lands first wins and the loser is dropped.
type CommandEngine struct {
	db              *sql.DB
	registry        *Registry
	push            PushSender
	dispatchTimeout time.Duration
	now             func() time.Time
}

func NewCommandEngine(db *sql.DB, registry *Registry, push PushSender, dispatchTimeout time.Duration) *CommandEngine {
	return &CommandEngine{
		db:              db,
		registry:        registry,
		push:            push,
		dispatchTimeout: dispatchTimeout,
		now:             time.Now,
	}
}

const commandColumns = `id, device_id, type, params, status, response, created_at, dispatched_at, resolved_at`

// Create validates the target device and the params against the
// type's registered schema, then inserts the command as pending.
// Retired devices are refused; a device retired after creation does
// not invalidate commands already outstanding.
func (e *CommandEngine) Create(ctx context.Context, deviceID, cmdType string, params map[string]any) (models.Command, error) {
	device, err := e.registry.Get(ctx, deviceID)
	if err != nil {
		return models.Command{}, err
	}
	if device.Retired {
		return models.Command{}, fmt.Errorf("device %s is retired: %w", deviceID, ErrNotFound)
	}
	if err := ValidateCommand(cmdType, params); err != nil {
		return models.Command{}, err
	}

	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return models.Command{}, fmt.Errorf("marshal params: %w", err)
	}

	cmd := models.Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Type:      cmdType,
		Params:    params,
		Status:    models.CommandPending,
		CreatedAt: e.now(),
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO commands(id, device_id, type, params, status, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.DeviceID, cmd.Type, string(encoded), cmd.Status, cmd.CreatedAt.UnixMilli())
	if err != nil {
		return models.Command{}, fmt.Errorf("insert command: %w", err)
	}

	log.Printf("[COMMANDS] Created %s command %s for device %s", cmd.Type, cmd.ID, deviceID)
	return cmd, nil
}

// Dispatch hands the command to the push channel. Accepted moves it to
// dispatched; Rejected and Unreachable move it straight to failed with
// the adapter's reason recorded, leaving dispatched_at unset. The push
// call is bounded by the configured timeout; a timeout counts as
// unreachable rather than hanging the dispatch path.
func (e *CommandEngine) Dispatch(ctx context.Context, commandID string) error {
	cmd, err := e.Get(ctx, commandID)
	if err != nil {
		return err
	}
	if cmd.Status != models.CommandPending {
		return nil
	}

	device, err := e.registry.Get(ctx, cmd.DeviceID)
	if err != nil {
		return err
	}

	pushCtx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	defer cancel()

	outcome := e.push.Deliver(pushCtx, device, Envelope{
		CommandID: cmd.ID,
		Type:      cmd.Type,
		Params:    cmd.Params,
	})

	switch outcome.Status {
	case DeliveryAccepted:
		_, err = e.db.ExecContext(ctx, `
			UPDATE commands SET status = ?, dispatched_at = ?
			WHERE id = ? AND status = ?
		`, models.CommandDispatched, e.now().UnixMilli(), cmd.ID, models.CommandPending)
		if err != nil {
			return fmt.Errorf("mark command %s dispatched: %w", cmd.ID, err)
		}
		log.Printf("[COMMANDS] Dispatched command %s to device %s", cmd.ID, cmd.DeviceID)
		return nil

	default:
		reason := outcome.Reason
		if reason == "" {
			reason = "delivery rejected"
		}
		_, err = e.db.ExecContext(ctx, `
			UPDATE commands SET status = ?, response = ?, resolved_at = ?
			WHERE id = ? AND status = ?
		`, models.CommandFailed, reason, e.now().UnixMilli(), cmd.ID, models.CommandPending)
		if err != nil {
			return fmt.Errorf("mark command %s failed: %w", cmd.ID, err)
		}
		log.Printf("[COMMANDS] Delivery failed for command %s: %s", cmd.ID, reason)
		return nil
	}
}

// ReportResult records the device's execution outcome. It is only
// legal from dispatched; reports against an already terminal command
// are a silent no-op, since push-channel retries make duplicates
// expected rather than exceptional.
func (e *CommandEngine) ReportResult(ctx context.Context, commandID, outcome, response string) error {
	if outcome != models.CommandCompleted && outcome != models.CommandFailed {
		return fmt.Errorf("%w: outcome must be %q or %q",
			ErrInvalidCommand, models.CommandCompleted, models.CommandFailed)
	}

	cmd, err := e.Get(ctx, commandID)
	if err != nil {
		return err
	}

	res, err := e.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, response = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, outcome, response, e.now().UnixMilli(), commandID, models.CommandDispatched)
	if err != nil {
		return fmt.Errorf("resolve command %s: %w", commandID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already terminal (duplicate or late report), or still
		// pending. Either way the stored state stands.
		return nil
	}

	log.Printf("[COMMANDS] Command %s resolved as %s", commandID, outcome)

	if outcome == models.CommandCompleted && cmd.Type == "app-monitor" {
		e.applyMonitoredPackages(ctx, cmd)
	}
	return nil
}

// applyMonitoredPackages turns a completed app-monitor command into
// the device's versioned monitored_packages attribute.
func (e *CommandEngine) applyMonitoredPackages(ctx context.Context, cmd models.Command) {
	packages, err := stringList(cmd.Params, "packages")
	if err != nil {
		log.Printf("[COMMANDS] Bad app-monitor params on %s: %v", cmd.ID, err)
		return
	}
	if err := e.registry.SetMonitoredPackages(ctx, cmd.DeviceID, packages); err != nil {
		log.Printf("[COMMANDS] Failed to update monitored packages for %s: %v", cmd.DeviceID, err)
	}
}

// Get returns one command or ErrNotFound.
func (e *CommandEngine) Get(ctx context.Context, id string) (models.Command, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return models.Command{}, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Command{}, fmt.Errorf("get command %s: %w", id, err)
	}
	return cmd, nil
}

// History returns the device's commands, newest first.
func (e *CommandEngine) History(ctx context.Context, deviceID string, limit int) ([]models.Command, error) {
	if _, err := e.registry.Get(ctx, deviceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("command history: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// Open returns the device's non-terminal commands, oldest first.
func (e *CommandEngine) Open(ctx context.Context, deviceID string) ([]models.Command, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC, id ASC
	`, deviceID, models.CommandPending, models.CommandDispatched)
	if err != nil {
		return nil, fmt.Errorf("open commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// SweepStale fails commands that have sat in dispatched longer than
// olderThan. Push delivery offers no guarantee, so without the sweep a
// dropped command would stay dispatched forever. The CAS precondition
// makes the sweep idempotent against a racing ReportResult.
func (e *CommandEngine) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := e.now()
	cutoff := now.Add(-olderThan).UnixMilli()

	res, err := e.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, response = 'timeout', resolved_at = ?
		WHERE status = ? AND dispatched_at IS NOT NULL AND dispatched_at < ?
	`, models.CommandFailed, now.UnixMilli(), models.CommandDispatched, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale commands: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[COMMANDS] Sweep failed %d stale dispatched command(s)", n)
	}
	return int(n), nil
}

func scanCommand(row rowScanner) (models.Command, error) {
	var (
		cmd          models.Command
		params       string
		response     sql.NullString
		createdAt    int64
		dispatchedAt sql.NullInt64
		resolvedAt   sql.NullInt64
	)
	err := row.Scan(&cmd.ID, &cmd.DeviceID, &cmd.Type, &params, &cmd.Status,
		&response, &createdAt, &dispatchedAt, &resolvedAt)
	if err != nil {
		return models.Command{}, err
	}
	if err := json.Unmarshal([]byte(params), &cmd.Params); err != nil {
		return models.Command{}, fmt.Errorf("decode command params: %w", err)
	}
	cmd.Response = response.String
	cmd.CreatedAt = time.UnixMilli(createdAt)
	if dispatchedAt.Valid {
		t := time.UnixMilli(dispatchedAt.Int64)
		cmd.DispatchedAt = &t
	}
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		cmd.ResolvedAt = &t
	}
	return cmd, nil
}

func collectCommands(rows *sql.Rows) ([]models.Command, error) {
	var commands []models.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}
