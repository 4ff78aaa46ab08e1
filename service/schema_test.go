package service

import (
	"errors"
	"testing"
)

func TestValidateCommand(t *testing.T) {
	cases := []struct {
		name    string
		cmdType string
		params  map[string]any
		ok      bool
	}{
		{"location no params", "location-request", nil, true},
		{"screenshot", "screenshot", map[string]any{}, true},
		{"sms ok", "sms-send", map[string]any{"to": "+491701234567", "message": "ping"}, true},
		{"sms missing to", "sms-send", map[string]any{"message": "ping"}, false},
		{"sms empty message", "sms-send", map[string]any{"to": "+49170", "message": ""}, false},
		{"audio ok", "audio-record", map[string]any{"duration": float64(30)}, true},
		{"audio zero duration", "audio-record", map[string]any{"duration": float64(0)}, false},
		{"audio missing duration", "audio-record", nil, false},
		{"install ok", "app-install", map[string]any{"package": "com.example.app"}, true},
		{"install missing package", "app-install", nil, false},
		{"uninstall ok", "app-uninstall", map[string]any{"package": "com.example.app"}, true},
		{"monitor ok", "app-monitor", map[string]any{"packages": []any{"a", "b"}}, true},
		{"monitor not strings", "app-monitor", map[string]any{"packages": []any{1, 2}}, false},
		{"file list", "file-op", map[string]any{"op": "list", "path": "/sdcard"}, true},
		{"file bad op", "file-op", map[string]any{"op": "shred", "path": "/sdcard"}, false},
		{"file missing path", "file-op", map[string]any{"op": "delete"}, false},
		{"custom anything", "custom", map[string]any{"whatever": true}, true},
		{"unknown type", "teleport", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCommand(tc.cmdType, tc.params)
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Errorf("expected ErrInvalidCommand, got %v", err)
				}
			}
		})
	}
}

func TestRegisterCommandTypeIsAdditive(t *testing.T) {
	if err := ValidateCommand("wipe-cache", nil); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("unexpected pre-registration result: %v", err)
	}

	RegisterCommandType("wipe-cache", noParams)
	if err := ValidateCommand("wipe-cache", nil); err != nil {
		t.Fatalf("registered type rejected: %v", err)
	}
}
