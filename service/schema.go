package service

import (
	"fmt"
	"sync"
)

// ParamValidator checks a command's params against its type's schema.
type ParamValidator func(params map[string]any) error

var (
	schemaMu sync.RWMutex
	schemas  = map[string]ParamValidator{}
)

// RegisterCommandType adds (or replaces) the validator for a command
// type. New types are additive; nothing else needs to change to teach
// the server a new command.
func RegisterCommandType(cmdType string, v ParamValidator) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	schemas[cmdType] = v
}

// ValidateCommand checks cmdType and params against the registered
// schema table. Unknown types and schema mismatches both return
// ErrInvalidCommand.
func ValidateCommand(cmdType string, params map[string]any) error {
	schemaMu.RLock()
	v, ok := schemas[cmdType]
	schemaMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmdType)
	}
	if err := v(params); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCommand, cmdType, err)
	}
	return nil
}

func noParams(map[string]any) error { return nil }

func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

// requireNumber accepts float64 because JSON decoding produces it for
// every numeric literal.
func requireNumber(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing param %q", key)
	}
	n, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("param %q must be a number", key)
	}
	return n, nil
}

func stringList(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("missing param %q", key)
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("param %q must be a list of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("param %q must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

var fileOps = map[string]bool{"list": true, "delete": true, "upload": true}

func init() {
	RegisterCommandType("location-request", noParams)
	RegisterCommandType("screenshot", noParams)
	RegisterCommandType("photo-capture", noParams)
	RegisterCommandType("lock", noParams)
	RegisterCommandType("unlock", noParams)
	RegisterCommandType("sync-logs", noParams)
	RegisterCommandType("custom", noParams)

	RegisterCommandType("audio-record", func(params map[string]any) error {
		d, err := requireNumber(params, "duration")
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("param \"duration\" must be positive")
		}
		return nil
	})

	RegisterCommandType("sms-send", func(params map[string]any) error {
		if _, err := requireString(params, "to"); err != nil {
			return err
		}
		_, err := requireString(params, "message")
		return err
	})

	RegisterCommandType("app-install", func(params map[string]any) error {
		_, err := requireString(params, "package")
		return err
	})

	RegisterCommandType("app-uninstall", func(params map[string]any) error {
		_, err := requireString(params, "package")
		return err
	})

	RegisterCommandType("app-monitor", func(params map[string]any) error {
		_, err := stringList(params, "packages")
		return err
	})

	RegisterCommandType("file-op", func(params map[string]any) error {
		op, err := requireString(params, "op")
		if err != nil {
			return err
		}
		if !fileOps[op] {
			return fmt.Errorf("unknown file op %q", op)
		}
		_, err = requireString(params, "path")
		return err
	})
}
