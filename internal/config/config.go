// Package config loads tabhub's TOML configuration file and overlays the
// CCM_*/MCP_* environment variables documented in the external interfaces.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved, typed configuration for a tabhub process.
type Config struct {
	// Hub
	HubPort        int           `mapstructure:"hub_port"`
	DrainOnEmpty   bool          `mapstructure:"drain_on_empty"`
	DrainGrace     time.Duration `mapstructure:"drain_grace"`
	ForceHubCreate bool          `mapstructure:"force_hub_creation"`
	NoAutoHub      bool          `mapstructure:"no_auto_hub"`

	// Client identity overrides
	ClientID   string `mapstructure:"client_id"`
	ClientName string `mapstructure:"client_name"`
	ClientType string `mapstructure:"client_type"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	StateDir string `mapstructure:"state_dir"`

	// Supervisor / daemon restart policy
	RestartEnabled  bool          `mapstructure:"restart_enabled"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	RestartDelay    time.Duration `mapstructure:"restart_delay"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	SessionID       string        `mapstructure:"session_id"`

	// Daemon socket
	DaemonSocketPath string       `mapstructure:"daemon_socket_path"`
	Servers          []ServerSpec `mapstructure:"servers"`
}

// ServerSpec declares one subprocess tool server in the config file, e.g.
//
//	[[servers]]
//	id = "filesystem"
//	command = "/usr/local/bin/fs-mcp"
//	priority = 10
//	auto_start = true
//	idle_timeout = "5m"
type ServerSpec struct {
	ID          string            `mapstructure:"id"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Cwd         string            `mapstructure:"cwd"`
	Env         map[string]string `mapstructure:"env"`
	Priority    int               `mapstructure:"priority"`
	AutoStart   bool              `mapstructure:"auto_start"`
	IdleTimeout string            `mapstructure:"idle_timeout"`
	HealthCheck string            `mapstructure:"health_check"`
}

// Default returns a Config populated with the defaults spec.md names
// (port 54321, 5 s drain grace, 10 restarts, etc.) before any file or env
// overlay.
func Default() Config {
	return Config{
		HubPort:        54321,
		DrainOnEmpty:   false,
		DrainGrace:     5 * time.Second,
		LogLevel:       "info",
		StateDir:       DefaultStateDir(),
		RestartEnabled: true,
		MaxRestarts:    10,
		RestartDelay:   1 * time.Second,
		HealthInterval: 10 * time.Second,
	}
}

// DefaultStateDir is the per-user state directory holding persisted
// operation/resource state files and rotating logs.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabhub"
	}
	return filepath.Join(home, ".tabhub")
}

// DefaultDaemonSocketPath is <user config dir>/mcp/daemon.sock.
func DefaultDaemonSocketPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = DefaultStateDir()
	}
	return filepath.Join(dir, "mcp", "daemon.sock")
}

// Load reads an optional TOML file at path (ignored if empty or missing),
// overlays environment variables, and returns the resolved Config.
func Load(path string) (Config, error) {
	cfg := Default()
	cfg.DaemonSocketPath = DefaultDaemonSocketPath()

	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnv(v)

	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return out, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("hub_port", cfg.HubPort)
	v.SetDefault("drain_on_empty", cfg.DrainOnEmpty)
	v.SetDefault("drain_grace", cfg.DrainGrace)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("restart_enabled", cfg.RestartEnabled)
	v.SetDefault("max_restarts", cfg.MaxRestarts)
	v.SetDefault("restart_delay", cfg.RestartDelay)
	v.SetDefault("health_interval", cfg.HealthInterval)
	v.SetDefault("daemon_socket_path", DefaultDaemonSocketPath())
}

// bindEnv wires the environment variables named in the external interfaces
// section to their config keys; unset variables are left to defaults/file.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("client_id", "CCM_CLIENT_ID")
	_ = v.BindEnv("client_name", "CCM_CLIENT_NAME")
	_ = v.BindEnv("client_type", "CCM_CLIENT_TYPE")
	_ = v.BindEnv("force_hub_creation", "CCM_FORCE_HUB_CREATION")
	_ = v.BindEnv("no_auto_hub", "CCM_NO_AUTO_HUB")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("debug", "CCM_DEBUG")
	_ = v.BindEnv("restart_enabled", "MCP_RESTART_ENABLED")
	_ = v.BindEnv("max_restarts", "MCP_MAX_RESTARTS")
	_ = v.BindEnv("restart_delay", "MCP_RESTART_DELAY")
	_ = v.BindEnv("health_interval", "MCP_HEALTH_INTERVAL")
	_ = v.BindEnv("session_id", "MCP_SESSION_ID")
}
