package schema

import (
	"strings"
	"unicode"
)

// NormalizeCellID trims and validates a cell identifier.
// Allowed characters: letters, digits, '.', '_', '-', ':'.
func NormalizeCellID(value string) (CellID, error) {
	trimmed := strings.TrimSpace(value)
	if !validIdent(trimmed) {
		return "", ErrInvalidCell
	}
	return CellID(trimmed), nil
}

// NormalizeNotebookID trims and validates a notebook identifier.
func NormalizeNotebookID(value string) (NotebookID, error) {
	trimmed := strings.TrimSpace(value)
	if !validIdent(trimmed) {
		return "", ErrInvalidNotebook
	}
	return NotebookID(trimmed), nil
}

// NormalizeProtocol maps a configured protocol name onto a Protocol.
func NormalizeProtocol(value string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return ProtocolAuto, true
	case "single", "single-shot", "sync":
		return ProtocolSingle, true
	case "streaming", "stream", "poll":
		return ProtocolStreaming, true
	default:
		return "", false
	}
}

// NormalizeComputeDevice maps a device name onto a ComputeDevice. Empty is the default device.
func NormalizeComputeDevice(value string) (ComputeDevice, error) {
	switch ComputeDevice(strings.ToLower(strings.TrimSpace(value))) {
	case "", DeviceCPU:
		return DeviceCPU, nil
	case DeviceGPU:
		return DeviceGPU, nil
	default:
		return "", ErrInvalidDevice
	}
}

func validIdent(value string) bool {
	if value == "" || len(value) > 128 {
		return false
	}
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '.', '_', '-', ':':
			continue
		}
		return false
	}
	return true
}
