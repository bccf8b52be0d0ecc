// Package config assembles the daemon's tunable settings from defaults,
// an optional YAML file, and environment variables, in that precedence
// order (environment wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerMode selects which transport servers the daemon starts.
type ServerMode string

const (
	ServerModeSocket ServerMode = "socket"
	ServerModeHTTP   ServerMode = "http"
	ServerModeDual   ServerMode = "dual"
)

// ClientTransport is the client-side transport preference.
type ClientTransport string

const (
	ClientTransportAuto   ClientTransport = "auto"
	ClientTransportSocket ClientTransport = "socket"
	ClientTransportHTTP   ClientTransport = "http"
)

// Config holds every environment-tunable daemon and client setting.
type Config struct {
	StateDir string `mapstructure:"state_dir"`

	ServerMode      ServerMode      `mapstructure:"server_mode"`
	ClientTransport ClientTransport `mapstructure:"client_transport"`
	ClientTimeoutMS int             `mapstructure:"client_timeout_ms"`

	HTTPAuthHook   string `mapstructure:"http_auth_hook"`
	HTTPAuthExport string `mapstructure:"http_auth_export"`

	MaxSimulatorLeases int `mapstructure:"max_simulator_leases"`
	LeaseTTLMS         int `mapstructure:"lease_ttl_ms"`
	LeaseMinTTLMS      int `mapstructure:"lease_min_ttl_ms"`
	LeaseMaxTTLMS      int `mapstructure:"lease_max_ttl_ms"`

	AppLogMaxBytes int `mapstructure:"app_log_max_bytes"`
	AppLogMaxFiles int `mapstructure:"app_log_max_files"`

	AppEventURLTemplate      string `mapstructure:"app_event_url_template"`
	AppEventURLTemplateIOS   string `mapstructure:"app_event_url_template_ios"`
	AppEventURLTemplateAndro string `mapstructure:"app_event_url_template_android"`

	// AllowDaemonKillOnTimeout records whether killing the daemon after
	// repeated request timeouts is permitted. Off by default outside CI:
	// killing a shared developer daemon out from under other clients is too
	// aggressive for interactive use. No code reads it; the client never
	// kills the daemon.
	AllowDaemonKillOnTimeout bool `mapstructure:"allow_daemon_kill_on_timeout"`
}

// Default returns a Config populated with the daemon's built-in defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	stateDir := ".agent-device"
	if err == nil {
		stateDir = filepath.Join(home, ".agent-device")
	}
	return &Config{
		StateDir:                 stateDir,
		ServerMode:               ServerModeSocket,
		ClientTransport:          ClientTransportAuto,
		ClientTimeoutMS:          90_000,
		MaxSimulatorLeases:       4,
		LeaseTTLMS:               30_000,
		LeaseMinTTLMS:            5_000,
		LeaseMaxTTLMS:            300_000,
		AppLogMaxBytes:           10 << 20,
		AppLogMaxFiles:           5,
		AllowDaemonKillOnTimeout: os.Getenv("CI") != "",
	}
}

// Load assembles configuration from defaults, an optional YAML file found
// via findConfigFile, and AGENT_DEVICE_*-prefixed environment variables.
func Load() (*Config, error) {
	cfg := Default()
	v := viper.New()

	setDefaults(v, cfg)

	v.SetEnvPrefix("AGENT_DEVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("server_mode", string(cfg.ServerMode))
	v.SetDefault("client_transport", string(cfg.ClientTransport))
	v.SetDefault("client_timeout_ms", cfg.ClientTimeoutMS)
	v.SetDefault("max_simulator_leases", cfg.MaxSimulatorLeases)
	v.SetDefault("lease_ttl_ms", cfg.LeaseTTLMS)
	v.SetDefault("lease_min_ttl_ms", cfg.LeaseMinTTLMS)
	v.SetDefault("lease_max_ttl_ms", cfg.LeaseMaxTTLMS)
	v.SetDefault("app_log_max_bytes", cfg.AppLogMaxBytes)
	v.SetDefault("app_log_max_files", cfg.AppLogMaxFiles)
	v.SetDefault("http_auth_hook", cfg.HTTPAuthHook)
	v.SetDefault("http_auth_export", cfg.HTTPAuthExport)
	v.SetDefault("app_event_url_template", cfg.AppEventURLTemplate)
	v.SetDefault("app_event_url_template_ios", cfg.AppEventURLTemplateIOS)
	v.SetDefault("app_event_url_template_android", cfg.AppEventURLTemplateAndro)
	v.SetDefault("allow_daemon_kill_on_timeout", cfg.AllowDaemonKillOnTimeout)
}

// findConfigFile looks for an optional agent-device.yaml (or .yml) in the
// working directory, then the home directory, then <user-config-dir>/agent-device.
func findConfigFile() string {
	names := []string{"agent-device.yaml", "agent-device.yml"}

	var searchPaths []string
	if cwd, err := os.Getwd(); err == nil {
		searchPaths = append(searchPaths, cwd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, home)
	}
	if cfgDir, err := os.UserConfigDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(cfgDir, "agent-device"))
	}

	for _, dir := range searchPaths {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Validate checks the assembled config for internally-consistent values.
func (c *Config) Validate() error {
	switch c.ServerMode {
	case ServerModeSocket, ServerModeHTTP, ServerModeDual:
	default:
		return fmt.Errorf("invalid server_mode: %q (expected socket, http, or dual)", c.ServerMode)
	}
	switch c.ClientTransport {
	case ClientTransportAuto, ClientTransportSocket, ClientTransportHTTP:
	default:
		return fmt.Errorf("invalid client_transport: %q (expected auto, socket, or http)", c.ClientTransport)
	}
	if c.LeaseMinTTLMS <= 0 || c.LeaseMaxTTLMS <= 0 || c.LeaseMinTTLMS > c.LeaseMaxTTLMS {
		return fmt.Errorf("invalid lease TTL bounds: min=%dms max=%dms", c.LeaseMinTTLMS, c.LeaseMaxTTLMS)
	}
	if c.LeaseTTLMS < c.LeaseMinTTLMS || c.LeaseTTLMS > c.LeaseMaxTTLMS {
		return fmt.Errorf("lease_ttl_ms %dms outside [min=%d, max=%d]", c.LeaseTTLMS, c.LeaseMinTTLMS, c.LeaseMaxTTLMS)
	}
	if c.MaxSimulatorLeases < 0 {
		return fmt.Errorf("max_simulator_leases must be >= 0")
	}
	if c.ClientTimeoutMS <= 0 {
		return fmt.Errorf("client_timeout_ms must be > 0")
	}
	if c.HTTPAuthHook != "" && c.HTTPAuthExport == "" {
		return fmt.Errorf("http_auth_export is required when http_auth_hook is set")
	}
	return nil
}

// ClientTimeout returns the client's per-request timeout as a Duration.
func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutMS) * time.Millisecond
}

// LeaseTTLBounds returns (default, min, max) as durations, ready for
// lease.WithTTLBounds.
func (c *Config) LeaseTTLBounds() (def, min, max time.Duration) {
	return time.Duration(c.LeaseTTLMS) * time.Millisecond,
		time.Duration(c.LeaseMinTTLMS) * time.Millisecond,
		time.Duration(c.LeaseMaxTTLMS) * time.Millisecond
}
