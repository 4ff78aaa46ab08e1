package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"fleetcontrol/models"
)

// Registry is the durable store of device identity, capability
// metadata and last-seen heartbeat. Every other component checks
// device existence through it.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

const deviceColumns = `id, manufacturer, model, os_version, push_address,
	battery_level, is_charging, network_type, available_storage, total_storage,
	monitored_packages, monitored_packages_updated_at, retired, created_at, last_seen`

// Register is an idempotent upsert keyed by the device-generated id.
// The first call creates the record; later calls merge descriptive
// fields and bump last_seen. It never fails on duplicate registration,
// and a retired device that registers again is revived.
func (r *Registry) Register(ctx context.Context, d models.DeviceDescriptor) (models.Device, error) {
	if d.ID == "" {
		return models.Device{}, fmt.Errorf("register: empty device id")
	}
	now := r.now().UnixMilli()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices(id, manufacturer, model, os_version, push_address, created_at, last_seen)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			manufacturer = CASE WHEN excluded.manufacturer = '' THEN devices.manufacturer ELSE excluded.manufacturer END,
			model        = CASE WHEN excluded.model        = '' THEN devices.model        ELSE excluded.model        END,
			os_version   = CASE WHEN excluded.os_version   = '' THEN devices.os_version   ELSE excluded.os_version   END,
			push_address = CASE WHEN excluded.push_address = '' THEN devices.push_address ELSE excluded.push_address END,
			retired      = 0,
			last_seen    = MAX(devices.last_seen, excluded.last_seen)
	`, d.ID, d.Manufacturer, d.Model, d.OSVersion, d.PushAddress, now, now)
	if err != nil {
		return models.Device{}, fmt.Errorf("register device %s: %w", d.ID, err)
	}

	log.Printf("[REGISTRY] Registered device %s (%s %s)", d.ID, d.Manufacturer, d.Model)
	return r.Get(ctx, d.ID)
}

// Heartbeat updates last_seen and the optional snapshot fields. The
// last_seen write is a commutative max so reordered heartbeats can
// never move it backwards. Fails with ErrNotFound for devices that
// never registered.
func (r *Registry) Heartbeat(ctx context.Context, s models.DeviceSnapshot) error {
	now := r.now().UnixMilli()

	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			last_seen         = MAX(last_seen, ?),
			push_address      = CASE WHEN ? = '' THEN push_address ELSE ? END,
			battery_level     = COALESCE(?, battery_level),
			is_charging       = COALESCE(?, is_charging),
			network_type      = COALESCE(?, network_type),
			available_storage = COALESCE(?, available_storage),
			total_storage     = COALESCE(?, total_storage)
		WHERE id = ?
	`, now, s.PushAddress, s.PushAddress, s.BatteryLevel, s.IsCharging,
		s.NetworkType, s.AvailableStorage, s.TotalStorage, s.ID)
	if err != nil {
		return fmt.Errorf("heartbeat device %s: %w", s.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("heartbeat device %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// Get returns the device or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (models.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return models.Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Device{}, fmt.Errorf("get device %s: %w", id, err)
	}
	return d, nil
}

// List returns all devices, most recently seen first.
func (r *Registry) List(ctx context.Context) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListLiveness returns every device with its derived online flag:
// now - last_seen < threshold. No online boolean is ever stored.
func (r *Registry) ListLiveness(ctx context.Context, threshold time.Duration) ([]models.DeviceLiveness, error) {
	devices, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]models.DeviceLiveness, 0, len(devices))
	for _, d := range devices {
		out = append(out, models.DeviceLiveness{
			Device: d,
			Online: now.Sub(d.LastSeen) < threshold,
		})
	}
	return out, nil
}

// Retire soft-flags a device. The record and its history remain; only
// new command targeting is refused. Devices are never hard-deleted.
func (r *Registry) Retire(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE devices SET retired = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("retire device %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("retire device %s: %w", id, ErrNotFound)
	}
	log.Printf("[REGISTRY] Retired device %s", id)
	return nil
}

// SetMonitoredPackages replaces the device's monitored package list.
// The list is a versioned attribute: the update timestamp travels with
// it so readers can tell which value is current.
func (r *Registry) SetMonitoredPackages(ctx context.Context, id string, packages []string) error {
	if packages == nil {
		packages = []string{}
	}
	data, err := json.Marshal(packages)
	if err != nil {
		return fmt.Errorf("marshal packages: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET monitored_packages = ?, monitored_packages_updated_at = ?
		WHERE id = ?
	`, string(data), r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set monitored packages for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// touch bumps last_seen without changing anything else. Any traffic
// from the device counts as a sign of life, not only heartbeats; the
// write is the same commutative max as Heartbeat's. ex lets callers
// fold the bump into their own transaction.
func (r *Registry) touch(ctx context.Context, ex execer, id string) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE devices SET last_seen = MAX(last_seen, ?) WHERE id = ?`,
		r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch device %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (models.Device, error) {
	var (
		d          models.Device
		battery    sql.NullInt64
		charging   sql.NullBool
		network    sql.NullString
		avail      sql.NullInt64
		total      sql.NullInt64
		packages   string
		packagesAt sql.NullInt64
		createdAt  int64
		lastSeen   int64
	)

	err := row.Scan(&d.ID, &d.Manufacturer, &d.Model, &d.OSVersion, &d.PushAddress,
		&battery, &charging, &network, &avail, &total,
		&packages, &packagesAt, &d.Retired, &createdAt, &lastSeen)
	if err != nil {
		return models.Device{}, err
	}

	if battery.Valid {
		v := int(battery.Int64)
		d.BatteryLevel = &v
	}
	if charging.Valid {
		v := charging.Bool
		d.IsCharging = &v
	}
	if network.Valid {
		d.NetworkType = &network.String
	}
	if avail.Valid {
		d.AvailableStorage = &avail.Int64
	}
	if total.Valid {
		d.TotalStorage = &total.Int64
	}
	if packagesAt.Valid {
		t := time.UnixMilli(packagesAt.Int64)
		d.MonitoredPackagesUpdatedAt = &t
	}
	if err := json.Unmarshal([]byte(packages), &d.MonitoredPackages); err != nil {
		return models.Device{}, fmt.Errorf("decode monitored packages: %w", err)
	}
	d.CreatedAt = time.UnixMilli(createdAt)
	d.LastSeen = time.UnixMilli(lastSeen)
	return d, nil
}
