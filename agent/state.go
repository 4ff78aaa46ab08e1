package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"fleetcontrol/models"
)

// seenLimit bounds the remembered command ids. Push duplicates arrive
// close together, so a short window is enough.
const seenLimit = 256

// State is everything the agent must remember across a process
// restart: its identity, the push token, the command ids it already
// executed and the telemetry it has not shipped yet. Nothing else in
// the agent survives a restart.
type State struct {
	DeviceID     string                            `json:"device_id"`
	PushToken    string                            `json:"push_token"`
	SeenCommands []string                          `json:"seen_commands"`
	Spool        map[string][]models.IncomingEvent `json:"spool"`
	SentHashes   []string                          `json:"sent_hashes"`
}

// StateStore persists State as a JSON file, rewritten on every
// mutation.
type StateStore struct {
	path  string
	mu    sync.Mutex
	state State
}

// LoadState reads the state file, creating it (with fresh device id
// and push token) on first run.
func LoadState(path string) (*StateStore, error) {
	s := &StateStore{path: path}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.state = State{
			DeviceID:  uuid.NewString(),
			PushToken: uuid.NewString(),
			Spool:     map[string][]models.IncomingEvent{},
		}
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	default:
		if err := json.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("parse state file: %w", err)
		}
		if s.state.Spool == nil {
			s.state.Spool = map[string][]models.IncomingEvent{}
		}
	}

	return s, nil
}

// saveLocked writes the state to disk. Callers hold s.mu (or have
// exclusive access during load).
func (s *StateStore) saveLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

func (s *StateStore) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.DeviceID
}

func (s *StateStore) PushToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.PushToken
}

// MarkSeen records a command id and reports whether this is its first
// delivery. Duplicate push delivery of a command must not execute it
// twice.
func (s *StateStore) MarkSeen(commandID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.state.SeenCommands {
		if id == commandID {
			return false, nil
		}
	}

	s.state.SeenCommands = append(s.state.SeenCommands, commandID)
	if n := len(s.state.SeenCommands); n > seenLimit {
		s.state.SeenCommands = s.state.SeenCommands[n-seenLimit:]
	}
	return true, s.saveLocked()
}

// Enqueue spools a telemetry event for the next flush. The hash is
// the at-least-once dedup key: an event whose hash was already sent
// or spooled is dropped here rather than shipped twice.
func (s *StateStore) Enqueue(category string, event models.IncomingEvent, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.state.SentHashes {
		if h == hash {
			return false, nil
		}
	}

	s.state.Spool[category] = append(s.state.Spool[category], event)
	s.state.SentHashes = append(s.state.SentHashes, hash)
	if n := len(s.state.SentHashes); n > seenLimit {
		s.state.SentHashes = s.state.SentHashes[n-seenLimit:]
	}
	return true, s.saveLocked()
}

// LastSpooled returns the newest spooled event for a category, if any,
// without draining it.
func (s *StateStore) LastSpooled(category string) (models.IncomingEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.state.Spool[category]
	if len(events) == 0 {
		return models.IncomingEvent{}, false
	}
	return events[len(events)-1], true
}

// TakeSpool drains and returns the spooled events. If shipping fails
// the caller puts them back with Requeue.
func (s *StateStore) TakeSpool() (map[string][]models.IncomingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.state.Spool) == 0 {
		return nil, nil
	}
	taken := s.state.Spool
	s.state.Spool = map[string][]models.IncomingEvent{}
	return taken, s.saveLocked()
}

// Requeue returns unshipped events to the front of the spool.
func (s *StateStore) Requeue(category string, events []models.IncomingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Spool[category] = append(events, s.state.Spool[category]...)
	return s.saveLocked()
}
