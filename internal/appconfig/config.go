package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/notebookx/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Server        ServerConfig   `mapstructure:"server" yaml:"server"`
	Executor      ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Idle          IdleConfig     `mapstructure:"idle" yaml:"idle"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	UI            UIConfig       `mapstructure:"ui" yaml:"ui"`
	Mock          MockConfig     `mapstructure:"mock" yaml:"mock"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServerConfig points at the remote session/execution server.
type ServerConfig struct {
	BaseURL        string            `mapstructure:"base_url" yaml:"base_url"`
	Headers        map[string]string `mapstructure:"headers" yaml:"headers"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Endpoints      EndpointsConfig   `mapstructure:"endpoints" yaml:"endpoints"`
}

// EndpointsConfig holds path templates. Placeholders: {notebook}, {session}, {cell}, {run}.
// An empty template disables the operation.
type EndpointsConfig struct {
	SessionCreate string `mapstructure:"session_create" yaml:"session_create"`
	SessionReset  string `mapstructure:"session_reset" yaml:"session_reset"`
	SessionStop   string `mapstructure:"session_stop" yaml:"session_stop"`
	Run           string `mapstructure:"run" yaml:"run"`
	RunStart      string `mapstructure:"run_start" yaml:"run_start"`
	RunStatus     string `mapstructure:"run_status" yaml:"run_status"`
	RunStdin      string `mapstructure:"run_stdin" yaml:"run_stdin"`
	SaveOutput    string `mapstructure:"save_output" yaml:"save_output"`
	Files         string `mapstructure:"files" yaml:"files"`
	ComputeDevice string `mapstructure:"compute_device" yaml:"compute_device"`
}

// ExecutorConfig selects the execution protocol.
type ExecutorConfig struct {
	Protocol          string `mapstructure:"protocol" yaml:"protocol"`
	PollIntervalMs    int    `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	ResetDrainSeconds int    `mapstructure:"reset_drain_seconds" yaml:"reset_drain_seconds"`
}

// IdleConfig drives the inactivity watchdog.
type IdleConfig struct {
	ThresholdMinutes     int  `mapstructure:"threshold_minutes" yaml:"threshold_minutes"`
	PresenceMinutes      int  `mapstructure:"presence_minutes" yaml:"presence_minutes"`
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds" yaml:"check_interval_seconds"`
	Disabled             bool `mapstructure:"disabled" yaml:"disabled"`
}

// HTTPConfig configures the local presentation bridge.
type HTTPConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	BasePath     string `mapstructure:"base_path" yaml:"base_path"`
	NotebooksDir string `mapstructure:"notebooks_dir" yaml:"notebooks_dir"`
	HubHistory   int    `mapstructure:"hub_history" yaml:"hub_history"`
}

// UIConfig controls terminal presentation.
type UIConfig struct {
	Language string `mapstructure:"language" yaml:"language"`
	Color    string `mapstructure:"color" yaml:"color"`
}

// MockConfig configures the built-in mock server.
type MockConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	StepDelayMs int    `mapstructure:"step_delay_ms" yaml:"step_delay_ms"`
}

// DefaultEndpoints returns the endpoint layout served by the mock server.
func DefaultEndpoints() EndpointsConfig {
	return EndpointsConfig{
		SessionCreate: "/api/notebooks/{notebook}/session",
		SessionReset:  "/api/sessions/{session}/reset",
		SessionStop:   "/api/sessions/{session}/stop",
		Run:           "/api/sessions/{session}/run",
		RunStart:      "/api/sessions/{session}/runs",
		RunStatus:     "/api/sessions/{session}/runs/{run}",
		RunStdin:      "/api/sessions/{session}/runs/{run}/stdin",
		SaveOutput:    "/api/notebooks/{notebook}/cells/{cell}/output",
		Files:         "/api/sessions/{session}/files",
		ComputeDevice: "/api/notebooks/{notebook}/device",
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".notebookx", "state"),
		Server: ServerConfig{
			BaseURL:        "http://127.0.0.1:27490",
			Headers:        map[string]string{},
			TimeoutSeconds: 60,
			Endpoints:      DefaultEndpoints(),
		},
		Executor: ExecutorConfig{
			Protocol:          string(schema.ProtocolAuto),
			PollIntervalMs:    int(schema.DefaultPollInterval.Milliseconds()),
			ResetDrainSeconds: int(schema.DefaultResetDrain.Seconds()),
		},
		Idle: IdleConfig{
			ThresholdMinutes:     int(schema.DefaultIdleThreshold.Minutes()),
			PresenceMinutes:      int(schema.DefaultPresenceWindow.Minutes()),
			CheckIntervalSeconds: int(schema.DefaultIdleCheckInterval.Seconds()),
			Disabled:             false,
		},
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:27480",
			BasePath:     "",
			NotebooksDir: filepath.Join(home, ".notebookx", "notebooks"),
			HubHistory:   256,
		},
		UI: UIConfig{
			Language: "en",
			Color:    "auto",
		},
		Mock: MockConfig{
			Addr:        "127.0.0.1:27490",
			StepDelayMs: 50,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".notebookx", "config.yaml"), nil
}
