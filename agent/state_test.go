package agent

import (
	"path/filepath"
	"testing"
	"time"

	"fleetcontrol/models"
)

func newTestState(t *testing.T) (*StateStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := LoadState(path)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return s, path
}

func TestStateSurvivesRestart(t *testing.T) {
	s, path := newTestState(t)

	id := s.DeviceID()
	token := s.PushToken()
	if id == "" || token == "" {
		t.Fatal("fresh state missing identity")
	}
	if _, err := s.MarkSeen("cmd-1"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}

	// A process restart loads the same identity and command memory.
	reloaded, err := LoadState(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DeviceID() != id || reloaded.PushToken() != token {
		t.Error("identity not stable across restart")
	}
	first, err := reloaded.MarkSeen("cmd-1")
	if err != nil {
		t.Fatalf("mark seen after reload: %v", err)
	}
	if first {
		t.Error("seen command forgotten across restart")
	}
}

func TestMarkSeenDedup(t *testing.T) {
	s, _ := newTestState(t)

	first, err := s.MarkSeen("cmd-1")
	if err != nil || !first {
		t.Fatalf("first delivery: first=%v err=%v", first, err)
	}
	again, err := s.MarkSeen("cmd-1")
	if err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if again {
		t.Error("duplicate delivery reported as first")
	}
	other, _ := s.MarkSeen("cmd-2")
	if !other {
		t.Error("unrelated command reported as duplicate")
	}
}

func TestEnqueueDedupByHash(t *testing.T) {
	s, _ := newTestState(t)

	event := models.IncomingEvent{
		Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"latitude": 52.5},
	}
	hash := eventHash(models.CategoryLocation, event)

	added, err := s.Enqueue(models.CategoryLocation, event, hash)
	if err != nil || !added {
		t.Fatalf("first enqueue: added=%v err=%v", added, err)
	}
	added, err = s.Enqueue(models.CategoryLocation, event, hash)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if added {
		t.Error("duplicate event enqueued twice")
	}

	spool, err := s.TakeSpool()
	if err != nil {
		t.Fatalf("take spool: %v", err)
	}
	if len(spool[models.CategoryLocation]) != 1 {
		t.Fatalf("expected 1 spooled event, got %d", len(spool[models.CategoryLocation]))
	}

	// Drained spool stays empty until something new arrives.
	spool, err = s.TakeSpool()
	if err != nil || spool != nil {
		t.Fatalf("expected empty spool, got %v (err %v)", spool, err)
	}
}

func TestRequeuePreservesOrder(t *testing.T) {
	s, _ := newTestState(t)

	older := models.IncomingEvent{Timestamp: time.Now(), Payload: map[string]any{"n": float64(1)}}
	newer := models.IncomingEvent{Timestamp: time.Now(), Payload: map[string]any{"n": float64(2)}}

	if err := s.Requeue(models.CategoryLocation, []models.IncomingEvent{newer}); err != nil {
		t.Fatalf("seed spool: %v", err)
	}
	if err := s.Requeue(models.CategoryLocation, []models.IncomingEvent{older}); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	spool, err := s.TakeSpool()
	if err != nil {
		t.Fatalf("take spool: %v", err)
	}
	events := spool[models.CategoryLocation]
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Payload["n"].(float64) != 1 {
		t.Error("requeued events not at the front")
	}
}

func TestLastSpooled(t *testing.T) {
	s, _ := newTestState(t)

	if _, ok := s.LastSpooled(models.CategoryLocation); ok {
		t.Fatal("empty spool reported an event")
	}

	first := models.IncomingEvent{Timestamp: time.Now(), Payload: map[string]any{"n": float64(1)}}
	second := models.IncomingEvent{Timestamp: time.Now(), Payload: map[string]any{"n": float64(2)}}
	if _, err := s.Enqueue(models.CategoryLocation, first, "h1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(models.CategoryLocation, second, "h2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	event, ok := s.LastSpooled(models.CategoryLocation)
	if !ok {
		t.Fatal("spooled events not visible")
	}
	if event.Payload["n"].(float64) != 2 {
		t.Errorf("expected newest event, got %v", event.Payload)
	}

	// Peeking does not drain.
	spool, err := s.TakeSpool()
	if err != nil || len(spool[models.CategoryLocation]) != 2 {
		t.Fatalf("spool drained by peek: %v (err %v)", spool, err)
	}
}
