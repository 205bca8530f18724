package schema

import (
	"errors"
	"time"
)

const (
	// DefaultPollInterval is the streaming status poll period.
	DefaultPollInterval = 300 * time.Millisecond
	// DefaultIdleThreshold is the inactivity period before a presence prompt.
	DefaultIdleThreshold = 30 * time.Minute
	// DefaultPresenceWindow is how long a presence prompt may stay unanswered.
	DefaultPresenceWindow = 10 * time.Minute
	// DefaultIdleCheckInterval is how often the inactivity watchdog wakes up.
	DefaultIdleCheckInterval = 15 * time.Second
	// DefaultResetDrain bounds how long a reset waits for the cancelled run to settle.
	DefaultResetDrain = 5 * time.Second
	// DefaultSaveTimeout bounds one background output save.
	DefaultSaveTimeout = 30 * time.Second
)

// NotebookConfig defines timing and behavior of one notebook coordinator.
type NotebookConfig struct {
	NotebookID        NotebookID
	Protocol          Protocol
	PollInterval      time.Duration
	IdleThreshold     time.Duration
	PresenceWindow    time.Duration
	IdleCheckInterval time.Duration
	ResetDrain        time.Duration
	SaveTimeout       time.Duration
	// ComputeDevice is the device recorded for the notebook. Empty means cpu.
	ComputeDevice ComputeDevice
	// DisableIdleWatch turns the inactivity watchdog off.
	DisableIdleWatch bool
}

// NormalizeNotebookConfig applies defaults and validates the config.
func NormalizeNotebookConfig(cfg NotebookConfig) (NotebookConfig, error) {
	id, err := NormalizeNotebookID(string(cfg.NotebookID))
	if err != nil {
		return NotebookConfig{}, err
	}
	cfg.NotebookID = id
	protocol, ok := NormalizeProtocol(string(cfg.Protocol))
	if !ok {
		return NotebookConfig{}, errors.New("unsupported executor protocol")
	}
	cfg.Protocol = protocol
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.PresenceWindow <= 0 {
		cfg.PresenceWindow = DefaultPresenceWindow
	}
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = DefaultIdleCheckInterval
	}
	if cfg.ResetDrain <= 0 {
		cfg.ResetDrain = DefaultResetDrain
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = DefaultSaveTimeout
	}
	device, err := NormalizeComputeDevice(string(cfg.ComputeDevice))
	if err != nil {
		return NotebookConfig{}, err
	}
	cfg.ComputeDevice = device
	return cfg, nil
}
