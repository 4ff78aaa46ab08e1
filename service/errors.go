package service

import "errors"

var (
	// ErrNotFound means the referenced device or command does not
	// exist (or the device is retired and cannot be targeted).
	ErrNotFound = errors.New("not found")

	// ErrInvalidCommand means the command type is unknown or its
	// params failed schema validation. Nothing is persisted.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidCategory means an unknown telemetry category name.
	ErrInvalidCategory = errors.New("invalid category")
)
