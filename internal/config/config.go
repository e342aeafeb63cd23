package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Provider  ProviderConfig  `yaml:"provider"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Plans     PlansConfig     `yaml:"plans"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CronSecret  string   `yaml:"cron_secret"`
	JWTSecret   string   `yaml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig selects the store driver. Driver is one of sqlite3, sqlite or postgres.
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

// ProviderConfig configures the browser automation provider client
type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxPollAttempts   int           `yaml:"max_poll_attempts"`
	MaxStreamAttempts int           `yaml:"max_stream_attempts"`
	StepPollInterval  time.Duration `yaml:"step_poll_interval"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the provider circuit breaker
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// Due-task selection strategies
const (
	StrategyNextRunAt = "next_run_at"
	StrategyCronScan  = "cron_scan"
)

// SchedulerConfig configures due-task dispatch
type SchedulerConfig struct {
	Strategy       string        `yaml:"strategy"`
	DueWindow      time.Duration `yaml:"due_window"`
	Trigger        string        `yaml:"trigger"` // cron spec for the in-process ticker, empty disables it
	MaxConcurrency int           `yaml:"max_concurrency"`
	StreamLogs     bool          `yaml:"stream_logs"`
	Timezone       string        `yaml:"timezone"`
}

// PlanLimits bounds one subscription tier
type PlanLimits struct {
	MaxTasks        int `yaml:"max_tasks"`
	MaxRunsPerMonth int `yaml:"max_runs_per_month"`
}

// PlansConfig holds the limits of every tier
type PlansConfig struct {
	Free    PlanLimits `yaml:"free"`
	Pro     PlanLimits `yaml:"pro"`
	Premium PlanLimits `yaml:"premium"`
}

// NotifyConfig configures notification delivery
type NotifyConfig struct {
	EmailAPIURL string        `yaml:"email_api_url"`
	EmailAPIKey string        `yaml:"email_api_key"`
	EmailFrom   string        `yaml:"email_from"`
	AppURL      string        `yaml:"app_url"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// LogConfig configures zerolog output
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// TracingConfig configures OpenTelemetry
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// Default returns the configuration used when no file is given
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:  "sqlite3",
			DataDir: dataDir,
		},
		Provider: ProviderConfig{
			BaseURL:           "https://api.browser-use.com",
			PollInterval:      5 * time.Second,
			MaxPollAttempts:   60,
			MaxStreamAttempts: 120,
			StepPollInterval:  2 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
			RequestTimeout:    30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Strategy:       StrategyNextRunAt,
			DueWindow:      5 * time.Minute,
			MaxConcurrency: 8,
			Timezone:       "UTC",
		},
		Plans: PlansConfig{
			Free:    PlanLimits{MaxTasks: 2, MaxRunsPerMonth: 15},
			Pro:     PlanLimits{MaxTasks: 10, MaxRunsPerMonth: 100},
			Premium: PlanLimits{MaxTasks: 50, MaxRunsPerMonth: 300},
		},
		Notify: NotifyConfig{
			EmailAPIURL: "https://api.resend.com/emails",
			EmailFrom:   "Browser Tasks <notifications@browser-tasks.dev>",
			SendTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter: "noop",
		},
	}
}

// Load reads the YAML file at path (if any) over the defaults, then applies environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BROWSER_TASKS_DATA"); v != "" {
		c.Database.DataDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.Driver = "postgres"
		c.Database.DSN = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		c.Server.CronSecret = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("BROWSER_USE_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("BROWSER_USE_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("EMAIL_API_KEY"); v != "" {
		c.Notify.EmailAPIKey = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		c.Notify.EmailFrom = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// DatabaseDSN returns the DSN, deriving a SQLite file path from the data dir when unset
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.Database.DataDir, "tasks.db")
}

// Location returns the scheduler time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite3", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required for postgres"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Provider.PollInterval <= 0 {
		errs = append(errs, errors.New("provider.poll_interval: must be positive"))
	}
	if c.Provider.MaxPollAttempts <= 0 || c.Provider.MaxStreamAttempts <= 0 {
		errs = append(errs, errors.New("provider.max_*_attempts: must be positive"))
	}
	if c.Provider.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("provider.requests_per_second: must be positive"))
	}
	switch c.Scheduler.Strategy {
	case StrategyNextRunAt, StrategyCronScan:
	default:
		errs = append(errs, fmt.Errorf("scheduler.strategy: unknown strategy %q", c.Scheduler.Strategy))
	}
	if c.Scheduler.DueWindow <= 0 {
		errs = append(errs, errors.New("scheduler.due_window: must be positive"))
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrency: must be positive"))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	for name, p := range map[string]PlanLimits{"free": c.Plans.Free, "pro": c.Plans.Pro, "premium": c.Plans.Premium} {
		if p.MaxTasks < 0 || p.MaxRunsPerMonth < 0 {
			errs = append(errs, fmt.Errorf("plans.%s: limits must not be negative", name))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".browser-tasks"
	}
	return filepath.Join(homeDir, ".browser-tasks")
}
