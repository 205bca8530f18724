package appconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/notebookx/schema"
)

// Load reads configuration from path, or DefaultConfigPath when path is empty. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	path, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := setDefaults(v, cfg); err != nil {
		return Config{}, err
	}
	switch err := v.ReadInConfig(); {
	case err == nil:
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if got := v.GetInt("config_version"); got != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", got, CurrentConfigVersion)
		}
	case errors.As(err, new(viper.ConfigFileNotFoundError)), errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	expandConfigEnv(&cfg)
	for _, check := range []func(Config) error{
		func(c Config) error { return validateServerConfig(c.Server) },
		func(c Config) error { return validateExecutorConfig(c.Executor) },
		func(c Config) error { return validateHTTPConfig(c.HTTP) },
		func(c Config) error { return validateUIConfig(c.UI) },
	} {
		if err := check(cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return DefaultConfigPath()
}

// setDefaults registers every leaf of cfg as a viper default, keyed by its yaml path.
func setDefaults(v *viper.Viper, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for key, value := range node {
			if prefix != "" {
				key = prefix + "." + key
			}
			if child, ok := value.(map[string]any); ok && len(child) > 0 {
				walk(key, child)
				continue
			}
			v.SetDefault(key, value)
		}
	}
	walk("", tree)
	return nil
}

func validateServerConfig(cfg ServerConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("server.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	if cfg.TimeoutSeconds < 0 {
		return fmt.Errorf("server.timeout_seconds must not be negative")
	}
	return nil
}

func validateExecutorConfig(cfg ExecutorConfig) error {
	if _, ok := schema.NormalizeProtocol(cfg.Protocol); !ok {
		return fmt.Errorf("unsupported executor.protocol %q", cfg.Protocol)
	}
	if cfg.PollIntervalMs < 0 {
		return fmt.Errorf("executor.poll_interval_ms must not be negative")
	}
	return nil
}

func validateHTTPConfig(cfg HTTPConfig) error {
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	if cfg.HubHistory < 0 {
		return fmt.Errorf("http.hub_history must not be negative")
	}
	return nil
}

func validateUIConfig(cfg UIConfig) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Color)) {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("unsupported ui.color %q", cfg.Color)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	for _, field := range []*string{&cfg.StateDir, &cfg.Server.BaseURL, &cfg.HTTP.NotebooksDir} {
		*field = expandEnv(*field)
	}
	for key, value := range cfg.Server.Headers {
		cfg.Server.Headers[key] = expandEnv(value)
	}
	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.HTTP.NotebooksDir = expandHome(cfg.HTTP.NotebooksDir)
}

// expandEnv substitutes set variables and leaves unset ones as written.
func expandEnv(value string) string {
	if !strings.Contains(value, "$") {
		return value
	}
	return os.Expand(value, func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// Notebook returns the coordinator settings for one notebook.
func (c Config) Notebook(id schema.NotebookID) schema.NotebookConfig {
	protocol, _ := schema.NormalizeProtocol(c.Executor.Protocol)
	return schema.NotebookConfig{
		NotebookID:        id,
		Protocol:          protocol,
		PollInterval:      time.Duration(c.Executor.PollIntervalMs) * time.Millisecond,
		ResetDrain:        time.Duration(c.Executor.ResetDrainSeconds) * time.Second,
		IdleThreshold:     time.Duration(c.Idle.ThresholdMinutes) * time.Minute,
		PresenceWindow:    time.Duration(c.Idle.PresenceMinutes) * time.Minute,
		IdleCheckInterval: time.Duration(c.Idle.CheckIntervalSeconds) * time.Second,
		DisableIdleWatch:  c.Idle.Disabled,
	}
}

// Timeout returns the per-request timeout for the remote server.
func (c ServerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WriteDefault writes the default config to path, or DefaultConfigPath when path is empty,
// and returns the path written.
func WriteDefault(path string, overwrite bool) (string, error) {
	path, err := resolvePath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil && !overwrite {
		return "", fmt.Errorf("config already exists at %s", path)
	}
	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0o600)
}
