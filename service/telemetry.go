package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fleetcontrol/models"
)

// TelemetryStore is the append-only per-category event store. Events
// carry device-clock timestamps and may arrive out of order; queries
// always order by that timestamp, never by insertion order.
type TelemetryStore struct {
	db       *sql.DB
	registry *Registry
}

func NewTelemetryStore(db *sql.DB, registry *Registry) *TelemetryStore {
	return &TelemetryStore{db: db, registry: registry}
}

// Append validates the device and category, then inserts the batch
// verbatim in one transaction. A submission counts as a sign of life,
// so the device's last_seen is bumped in the same transaction.
// Duplicate submissions are not rejected here; dedup is the agent's
// responsibility.
func (s *TelemetryStore) Append(ctx context.Context, deviceID, category string, events []models.IncomingEvent) error {
	if !models.ValidCategory(category) {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if _, err := s.registry.Get(ctx, deviceID); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin telemetry append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO telemetry_events(device_id, category, ts, payload) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare telemetry append: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, deviceID, category, e.Timestamp.UnixMilli(), string(payload)); err != nil {
			return fmt.Errorf("insert telemetry event: %w", err)
		}
	}

	if err := s.registry.touch(ctx, tx, deviceID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit telemetry append: %w", err)
	}
	return nil
}

// Query returns events with timestamp in [from, to), ascending. A zero
// from means no lower bound. Re-issuing the same query is safe; limit
// pages large ranges (0 means no limit).
func (s *TelemetryStore) Query(ctx context.Context, deviceID, category string, from, to time.Time, limit int) ([]models.TelemetryEvent, error) {
	if !models.ValidCategory(category) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if _, err := s.registry.Get(ctx, deviceID); err != nil {
		return nil, err
	}

	query := `SELECT id, device_id, category, ts, payload FROM telemetry_events
		WHERE device_id = ? AND category = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC, id ASC`
	args := []any{deviceID, category, lowerBoundMillis(from), to.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var events []models.TelemetryEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("query telemetry: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Latest returns the most recent event per category for one device.
// Categories with no events are absent from the map.
func (s *TelemetryStore) Latest(ctx context.Context, deviceID string) (map[string]models.TelemetryEvent, error) {
	if _, err := s.registry.Get(ctx, deviceID); err != nil {
		return nil, err
	}

	latest := make(map[string]models.TelemetryEvent)
	for _, category := range models.Categories {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, device_id, category, ts, payload FROM telemetry_events
			WHERE device_id = ? AND category = ?
			ORDER BY ts DESC, id DESC LIMIT 1
		`, deviceID, category)
		e, err := scanEvent(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest telemetry: %w", err)
		}
		latest[category] = e
	}
	return latest, nil
}

// lowerBoundMillis maps the zero time ("all") below any stored
// timestamp rather than to a huge negative unix value.
func lowerBoundMillis(from time.Time) int64 {
	if from.IsZero() {
		return 0
	}
	return from.UnixMilli()
}

func scanEvent(row rowScanner) (models.TelemetryEvent, error) {
	var (
		e       models.TelemetryEvent
		ts      int64
		payload string
	)
	if err := row.Scan(&e.ID, &e.DeviceID, &e.Category, &ts, &payload); err != nil {
		return models.TelemetryEvent{}, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return models.TelemetryEvent{}, fmt.Errorf("decode event payload: %w", err)
	}
	e.Timestamp = time.UnixMilli(ts)
	return e, nil
}
