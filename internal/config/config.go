package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable of the supervisor. Matching thresholds for
// the observation heuristics are configuration, not invariants.
type Config struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ObservationTimeout time.Duration `mapstructure:"observation_timeout"`
	StuckAfter         time.Duration `mapstructure:"stuck_after"`
	ForceStopAfter     time.Duration `mapstructure:"force_stop_after"`

	MaxInterventionsBeforePause int `mapstructure:"max_interventions_before_pause"`
	MaxRecoveryAttempts         int `mapstructure:"max_recovery_attempts"`

	HookPortBase     int           `mapstructure:"hook_port_base"`
	HookPortCount    int           `mapstructure:"hook_port_count"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`

	SocketPath       string `mapstructure:"socket_path"`
	JournalPath      string `mapstructure:"journal_path"`
	LocatorOverrides string `mapstructure:"locator_overrides"`

	EnumerateCommand []string `mapstructure:"enumerate_command"`
	LocatorHelper    []string `mapstructure:"locator_helper"`
	InjectorCommand  []string `mapstructure:"injector_command"`

	Debug bool `mapstructure:"debug"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:                1 * time.Second,
		ObservationTimeout:          3 * time.Second,
		StuckAfter:                  45 * time.Second,
		ForceStopAfter:              3 * time.Minute,
		MaxInterventionsBeforePause: 5,
		MaxRecoveryAttempts:         3,
		HookPortBase:                52700,
		HookPortCount:               10,
		HandshakeTimeout:            10 * time.Second,
		CommandTimeout:              5 * time.Second,
		SocketPath:                  defaultSocketPath(),
		JournalPath:                 defaultJournalPath(),
		LocatorOverrides:            defaultOverridesPath(),
		EnumerateCommand:            []string{"pgrep", "-l", "-f", "Cursor"},
		LocatorHelper:               []string{"warden-ax"},
		InjectorCommand:             []string{"osascript", "-e"},
	}
}

// Load merges the defaults with an optional YAML config file and WARDEN_*
// environment variables. A missing file is not an error.
func Load(path string) (Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WARDEN")
	v.AutomaticEnv()

	v.SetDefault("poll_interval", def.PollInterval)
	v.SetDefault("observation_timeout", def.ObservationTimeout)
	v.SetDefault("stuck_after", def.StuckAfter)
	v.SetDefault("force_stop_after", def.ForceStopAfter)
	v.SetDefault("max_interventions_before_pause", def.MaxInterventionsBeforePause)
	v.SetDefault("max_recovery_attempts", def.MaxRecoveryAttempts)
	v.SetDefault("hook_port_base", def.HookPortBase)
	v.SetDefault("hook_port_count", def.HookPortCount)
	v.SetDefault("handshake_timeout", def.HandshakeTimeout)
	v.SetDefault("command_timeout", def.CommandTimeout)
	v.SetDefault("socket_path", def.SocketPath)
	v.SetDefault("journal_path", def.JournalPath)
	v.SetDefault("locator_overrides", def.LocatorOverrides)
	v.SetDefault("enumerate_command", def.EnumerateCommand)
	v.SetDefault("locator_helper", def.LocatorHelper)
	v.SetDefault("injector_command", def.InjectorCommand)
	v.SetDefault("debug", def.Debug)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(defaultConfigPath())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxInterventionsBeforePause < 1 {
		return fmt.Errorf("max_interventions_before_pause must be at least 1, got %d", c.MaxInterventionsBeforePause)
	}
	if c.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("max_recovery_attempts must be at least 1, got %d", c.MaxRecoveryAttempts)
	}
	if c.HookPortBase < 1024 || c.HookPortBase > 65535 {
		return fmt.Errorf("hook_port_base out of range: %d", c.HookPortBase)
	}
	if c.HookPortCount < 1 || c.HookPortBase+c.HookPortCount > 65536 {
		return fmt.Errorf("hook port pool out of range: base %d count %d", c.HookPortBase, c.HookPortCount)
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "warden.yaml"
	}
	return filepath.Join(home, ".config", "warden", "config.yaml")
}

func defaultOverridesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "locators.yaml"
	}
	return filepath.Join(home, ".config", "warden", "locators.yaml")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "warden", "wardend.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wardend.sock"
	}
	return filepath.Join(home, ".local", "state", "warden", "wardend.sock")
}

func defaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "warden.db"
	}
	return filepath.Join(home, ".local", "state", "warden", "journal.db")
}
