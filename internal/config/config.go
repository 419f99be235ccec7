// Package config provides configuration loading for componist.
//
// Configuration is loaded with Viper from a YAML file and COMPONIST_-prefixed
// environment variables. Priority (highest to lowest):
//  1. Environment variables (e.g. COMPONIST_SCHEDULER_FORESIGHT_RUNS)
//  2. The file passed to Load (the --config flag)
//  3. ./componist.yaml
//  4. ~/.config/componist/componist.yaml
//  5. [DefaultConfig] defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix for overrides.
const EnvPrefix = "COMPONIST"

// Config is the root configuration container.
type Config struct {
	Global    GlobalConfig    `mapstructure:"global" yaml:"global"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Daemon    DaemonConfig    `mapstructure:"daemon" yaml:"daemon"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	// DataDir is where the database and composition files live.
	// Default: ~/.local/share/componist
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// ProjectDir is searched for .componist/compositions.
	// Default: current working directory.
	ProjectDir string `mapstructure:"project_dir" yaml:"project_dir"`
}

// DatabaseConfig configures the SQLite archive.
type DatabaseConfig struct {
	// Path to the database file. Relative paths resolve against DataDir.
	// Default: componist.db
	Path string `mapstructure:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout.
	// Default: 5000
	BusyTimeoutMs int `mapstructure:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SchedulerConfig holds the default composition options.
type SchedulerConfig struct {
	// ForesightRuns is the number of whole runs planned ahead.
	// Default: 5
	ForesightRuns int `mapstructure:"foresight_runs" yaml:"foresight_runs"`

	// MaxRuns is the repeat count; negative means unbounded.
	// Default: -1
	MaxRuns int `mapstructure:"max_runs" yaml:"max_runs"`

	// StartCycle is the absolute cycle of the first step.
	StartCycle int64 `mapstructure:"start_cycle" yaml:"start_cycle"`

	// GenerateAutomation synthesizes run/step/use-mean markers.
	GenerateAutomation bool `mapstructure:"generate_automation" yaml:"generate_automation"`

	// PresetsFile translates OP_Mode steps when set.
	PresetsFile string `mapstructure:"presets_file" yaml:"presets_file"`

	// CycleInterval paces the simulated clock used by dry runs.
	// Default: 1s
	CycleInterval time.Duration `mapstructure:"cycle_interval" yaml:"cycle_interval"`
}

// DaemonConfig configures componistd.
type DaemonConfig struct {
	Hostname         string `mapstructure:"hostname" yaml:"hostname"`
	Port             int    `mapstructure:"port" yaml:"port"`
	RateLimitEnabled bool   `mapstructure:"rate_limit_enabled" yaml:"rate_limit_enabled"`

	// RateLimits overrides the built-in limit of a method. Keys:
	// report_cycle, status, ping.
	RateLimits map[string]RateLimit `mapstructure:"rate_limits" yaml:"rate_limits"`

	// GlobalRateLimit caps all methods together. Unset means no cap.
	GlobalRateLimit RateLimit `mapstructure:"global_rate_limit" yaml:"global_rate_limit"`
}

// RateLimit is a token bucket: a sustained rate and a burst size.
type RateLimit struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

func (l RateLimit) isZero() bool {
	return l.RequestsPerSecond == 0 && l.Burst == 0
}

func (l RateLimit) validate(name string) error {
	if l.RequestsPerSecond <= 0 || l.Burst < 1 {
		return fmt.Errorf("%s: requests_per_second and burst must be positive", name)
	}
	return nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".componist"
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dataDir = filepath.Join(home, ".local", "share", "componist")
	}

	return &Config{
		Global: GlobalConfig{
			DataDir: dataDir,
		},
		Database: DatabaseConfig{
			Path:          "componist.db",
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Scheduler: SchedulerConfig{
			ForesightRuns: 5,
			MaxRuns:       -1,
			CycleInterval: time.Second,
		},
		Daemon: DaemonConfig{
			Hostname:         "127.0.0.1",
			Port:             50151,
			RateLimitEnabled: true,
		},
	}
}

// Validate checks the configuration for values the scheduler cannot use.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.ForesightRuns <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.foresight_runs must be positive, got %d", c.Scheduler.ForesightRuns))
	}
	if c.Scheduler.MaxRuns == 0 {
		errs = append(errs, errors.New("scheduler.max_runs must not be 0 (use a negative value for unbounded)"))
	}
	if c.Scheduler.StartCycle < 0 {
		errs = append(errs, fmt.Errorf("scheduler.start_cycle must not be negative, got %d", c.Scheduler.StartCycle))
	}
	if c.Scheduler.CycleInterval <= 0 {
		errs = append(errs, errors.New("scheduler.cycle_interval must be positive"))
	}
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		errs = append(errs, fmt.Errorf("daemon.port out of range: %d", c.Daemon.Port))
	}
	for key, limit := range c.Daemon.RateLimits {
		if err := limit.validate("daemon.rate_limits." + key); err != nil {
			errs = append(errs, err)
		}
	}
	if !c.Daemon.GlobalRateLimit.isZero() {
		if err := c.Daemon.GlobalRateLimit.validate("daemon.global_rate_limit"); err != nil {
			errs = append(errs, err)
		}
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	return errors.Join(errs...)
}

// DatabasePath resolves the database path against DataDir.
func (c *Config) DatabasePath() string {
	if c.Database.Path == ":memory:" || filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, c.Database.Path)
}

// EnsureDirectories creates DataDir if needed.
func (c *Config) EnsureDirectories() error {
	if c.Global.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Global.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", c.Global.DataDir, err)
	}
	return nil
}

// Load reads configuration from path (optional), the default search
// locations and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("componist")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			v.AddConfigPath(filepath.Join(home, ".config", "componist"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Global.ProjectDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Global.ProjectDir = wd
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.project_dir", cfg.Global.ProjectDir)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.busy_timeout_ms", cfg.Database.BusyTimeoutMs)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("scheduler.foresight_runs", cfg.Scheduler.ForesightRuns)
	v.SetDefault("scheduler.max_runs", cfg.Scheduler.MaxRuns)
	v.SetDefault("scheduler.start_cycle", cfg.Scheduler.StartCycle)
	v.SetDefault("scheduler.generate_automation", cfg.Scheduler.GenerateAutomation)
	v.SetDefault("scheduler.presets_file", cfg.Scheduler.PresetsFile)
	v.SetDefault("scheduler.cycle_interval", cfg.Scheduler.CycleInterval)
	v.SetDefault("daemon.hostname", cfg.Daemon.Hostname)
	v.SetDefault("daemon.port", cfg.Daemon.Port)
	v.SetDefault("daemon.rate_limit_enabled", cfg.Daemon.RateLimitEnabled)
}
