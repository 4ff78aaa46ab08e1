package models

import "time"

// Command statuses. Transitions are one-directional:
// pending -> dispatched -> completed|failed, with pending -> failed
// allowed when delivery is rejected outright.
const (
	CommandPending    = "pending"
	CommandDispatched = "dispatched"
	CommandCompleted  = "completed"
	CommandFailed     = "failed"
)

// TerminalStatus reports whether s is an end state.
func TerminalStatus(s string) bool {
	return s == CommandCompleted || s == CommandFailed
}

// Command is an administrator-issued unit of work targeted at one
// device. Owned by the command engine; nothing else mutates it.
type Command struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"device_id"`
	Type         string         `json:"type"`
	Params       map[string]any `json:"params"`
	Status       string         `json:"status"`
	Response     string         `json:"response,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

// CommandRequest is the administrator-facing creation body.
type CommandRequest struct {
	DeviceID string         `json:"device_id"`
	Type     string         `json:"type"`
	Params   map[string]any `json:"params"`
}

// ResultReport is posted by the device after executing a command.
// Outcome is "completed" or "failed"; Response carries the result
// payload or the error detail.
type ResultReport struct {
	Outcome  string `json:"outcome"`
	Response string `json:"response,omitempty"`
}
