package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetcontrol/models"
)

func newTestTelemetry(t *testing.T) (*TelemetryStore, *Registry) {
	t.Helper()
	db := newTestDB(t)
	registry := NewRegistry(db)
	return NewTelemetryStore(db, registry), registry
}

func locEvent(ts time.Time, lat float64) models.IncomingEvent {
	return models.IncomingEvent{
		Timestamp: ts,
		Payload:   map[string]any{"latitude": lat, "longitude": 13.4, "accuracy": 5.0},
	}
}

func TestAppendOutOfOrderQueryAscending(t *testing.T) {
	store, registry := newTestTelemetry(t)
	ctx := context.Background()
	mustRegister(t, registry, "d1")

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	// Device batches retry out of order: newest first, oldest last.
	batch := []models.IncomingEvent{
		locEvent(base.Add(3*time.Minute), 3),
		locEvent(base.Add(1*time.Minute), 1),
		locEvent(base.Add(2*time.Minute), 2),
	}
	if err := store.Append(ctx, "d1", models.CategoryLocation, batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.Query(ctx, "d1", models.CategoryLocation, time.Time{}, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []float64{1, 2, 3} {
		if got := events[i].Payload["latitude"].(float64); got != want {
			t.Errorf("event %d: latitude = %v, want %v (not timestamp-ordered)", i, got, want)
		}
	}
}

func TestAppendBumpsLastSeen(t *testing.T) {
	store, registry := newTestTelemetry(t)
	ctx := context.Background()

	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return t0 }
	mustRegister(t, registry, "d1")

	// A device that ships telemetry without ever heartbeating is still
	// alive; the append itself must advance last_seen.
	registry.now = func() time.Time { return t0.Add(time.Hour) }
	if err := store.Append(ctx, "d1", models.CategoryLocation,
		[]models.IncomingEvent{locEvent(t0, 1)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	d, err := registry.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !d.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Errorf("last_seen = %v, want %v", d.LastSeen, t0.Add(time.Hour))
	}

	// Same max semantics as heartbeat: a delayed append cannot move
	// last_seen backwards.
	registry.now = func() time.Time { return t0.Add(30 * time.Minute) }
	if err := store.Append(ctx, "d1", models.CategoryLocation,
		[]models.IncomingEvent{locEvent(t0.Add(time.Minute), 2)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	d, err = registry.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !d.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Errorf("last_seen moved backwards: %v, want %v", d.LastSeen, t0.Add(time.Hour))
	}
}

func TestQueryTimeWindow(t *testing.T) {
	store, registry := newTestTelemetry(t)
	ctx := context.Background()
	mustRegister(t, registry, "d1")

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	batch := []models.IncomingEvent{
		locEvent(now.Add(-3*time.Hour), 1),
		locEvent(now.Add(-1*time.Hour), 2),
		locEvent(now.Add(-10*time.Minute), 3),
	}
	if err := store.Append(ctx, "d1", models.CategoryLocation, batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	from, to, err := ParseTimeRange("1h", now)
	if err != nil {
		t.Fatalf("parse range: %v", err)
	}
	events, err := store.Query(ctx, "d1", models.CategoryLocation, from, to, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// The [from, to) window keeps t-10m and drops t-3h; t-1h sits
	// exactly on the lower bound and is included.
	if len(events) != 2 {
		t.Fatalf("expected 2 events in window, got %d", len(events))
	}
	if events[0].Payload["latitude"].(float64) != 2 || events[1].Payload["latitude"].(float64) != 3 {
		t.Errorf("wrong events in window: %v", events)
	}

	from, to, _ = ParseTimeRange("all", now)
	events, err = store.Query(ctx, "d1", models.CategoryLocation, from, to, 0)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("'all' range returned %d of 3 events", len(events))
	}
}

func TestAppendValidation(t *testing.T) {
	store, registry := newTestTelemetry(t)
	ctx := context.Background()
	mustRegister(t, registry, "d1")

	err := store.Append(ctx, "ghost", models.CategoryLocation, []models.IncomingEvent{locEvent(time.Now(), 1)})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown device: expected ErrNotFound, got %v", err)
	}

	err = store.Append(ctx, "d1", "diary", []models.IncomingEvent{locEvent(time.Now(), 1)})
	if !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("unknown category: expected ErrInvalidCategory, got %v", err)
	}
}

func TestDuplicateAppendKeepsOrdering(t *testing.T) {
	store, registry := newTestTelemetry(t)
	ctx := context.Background()
	mustRegister(t, registry, "d1")

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	batch := []models.IncomingEvent{
		locEvent(base.Add(2*time.Minute), 2),
		locEvent(base.Add(1*time.Minute), 1),
	}

	// At-least-once delivery: the same batch lands twice. The store
	// does not dedup, but ordering must survive.
	for i := 0; i < 2; i++ {
		if err := store.Append(ctx, "d1", models.CategoryLocation, batch); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := store.Query(ctx, "d1", models.CategoryLocation, time.Time{}, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events (duplicates kept), got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("ordering corrupted by duplicates at index %d", i)
		}
	}
}

func TestQueryLimitPages(t *testing.T) {
	store, registry := newTestTelemetry(t)
	ctx := context.Background()
	mustRegister(t, registry, "d1")

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var batch []models.IncomingEvent
	for i := 0; i < 5; i++ {
		batch = append(batch, locEvent(base.Add(time.Duration(i)*time.Minute), float64(i)))
	}
	if err := store.Append(ctx, "d1", models.CategoryLocation, batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.Query(ctx, "d1", models.CategoryLocation, time.Time{}, base.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("limit ignored: got %d", len(events))
	}

	// Restart the page from after the last seen timestamp.
	next, err := store.Query(ctx, "d1", models.CategoryLocation,
		events[1].Timestamp.Add(time.Millisecond), base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("next page: %v", err)
	}
	if len(next) != 3 {
		t.Fatalf("expected 3 remaining events, got %d", len(next))
	}
}

func TestLatestPerCategory(t *testing.T) {
	store, registry := newTestTelemetry(t)
	ctx := context.Background()
	mustRegister(t, registry, "d1")

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Append(ctx, "d1", models.CategoryLocation, []models.IncomingEvent{
		locEvent(base, 1),
		locEvent(base.Add(time.Minute), 2),
	}); err != nil {
		t.Fatalf("append location: %v", err)
	}
	if err := store.Append(ctx, "d1", models.CategorySMS, []models.IncomingEvent{{
		Timestamp: base,
		Payload:   map[string]any{"phone_number": "+123", "message": "hi", "direction": "received"},
	}}); err != nil {
		t.Fatalf("append sms: %v", err)
	}

	latest, err := store.Latest(ctx, "d1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(latest))
	}
	if latest[models.CategoryLocation].Payload["latitude"].(float64) != 2 {
		t.Errorf("latest location is not the newest event")
	}
	if _, ok := latest[models.CategoryKeylog]; ok {
		t.Errorf("empty category present in latest map")
	}
}

func TestParseTimeRange(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1h", time.Hour},
		{"6h", 6 * time.Hour},
		{"12h", 12 * time.Hour},
		{"24h", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
		{"", 24 * time.Hour}, // default
	}
	for _, tc := range cases {
		from, to, err := ParseTimeRange(tc.in, now)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.in, err)
			continue
		}
		if !to.Equal(now) || !from.Equal(now.Add(-tc.want)) {
			t.Errorf("%q: window [%v, %v)", tc.in, from, to)
		}
	}

	from, to, err := ParseTimeRange("all", now)
	if err != nil || !from.IsZero() || !to.Equal(now) {
		t.Errorf("all: from=%v to=%v err=%v", from, to, err)
	}

	if _, _, err := ParseTimeRange("1y", now); err == nil {
		t.Error("unknown range accepted")
	}
}
