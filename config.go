package modelgate

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration. Durations are expressed in
// milliseconds in the file/environment and exposed as time.Duration via
// accessor methods.
type Config struct {
	Quota      QuotaConfig      `yaml:"quota"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Routing    RoutingConfig    `yaml:"routing"`
	Connectors ConnectorsConfig `yaml:"connectors"`
}

// QuotaConfig configures the daily request gate.
type QuotaConfig struct {
	DailyLimit    int    `yaml:"daily_limit"`
	MinIntervalMS int    `yaml:"min_interval_ms"`
	ResetHourUTC  int    `yaml:"reset_hour_utc"`
	StateDir      string `yaml:"state_dir"`
}

// MinInterval returns the minimum inter-request interval.
func (q QuotaConfig) MinInterval() time.Duration {
	return time.Duration(q.MinIntervalMS) * time.Millisecond
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	IntervalMS    int    `yaml:"interval_ms"`
	RetentionDays int    `yaml:"retention_days"`
	LogDir        string `yaml:"log_dir"`
	ArchivePath   string `yaml:"archive_path"`
}

// Interval returns the snapshot persistence cadence.
func (m MetricsConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMS) * time.Millisecond
}

// RoutingConfig configures category preferences and dispatch behavior.
type RoutingConfig struct {
	DefaultConnector string              `yaml:"default_connector"`
	HistoryWindow    int                 `yaml:"history_window"`
	TimeoutMS        int                 `yaml:"timeout_ms"`
	Preferences      map[string][]string `yaml:"preferences"`
}

// Timeout returns the per-request connector timeout.
func (r RoutingConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// ConnectorsConfig configures the built-in connector variants.
type ConnectorsConfig struct {
	ProbeTTLMS int          `yaml:"probe_ttl_ms"`
	Hosted     HostedConfig `yaml:"hosted"`
	Local      LocalConfig  `yaml:"local"`
}

// ProbeTTL returns how long a probe result is trusted.
func (c ConnectorsConfig) ProbeTTL() time.Duration {
	return time.Duration(c.ProbeTTLMS) * time.Millisecond
}

// HostedConfig configures the hosted multi-provider connector.
type HostedConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
}

// LocalConfig configures the user-local connector pool.
type LocalConfig struct {
	DefaultURL       string `yaml:"default_url"`
	IdleEvictMS      int    `yaml:"idle_evict_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

// IdleEvict returns the idle eviction window for per-user connectors.
func (l LocalConfig) IdleEvict() time.Duration {
	return time.Duration(l.IdleEvictMS) * time.Millisecond
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Quota: QuotaConfig{
			DailyLimit:    50,
			MinIntervalMS: 1000,
			ResetHourUTC:  0,
			StateDir:      "./logs",
		},
		Metrics: MetricsConfig{
			IntervalMS:    60000,
			RetentionDays: 7,
			LogDir:        "./logs",
		},
		Routing: RoutingConfig{
			HistoryWindow: 3,
			TimeoutMS:     30000,
			Preferences:   map[string][]string{},
		},
		Connectors: ConnectorsConfig{
			ProbeTTLMS: 60000,
			Local: LocalConfig{
				IdleEvictMS:      3600000,
				RequestTimeoutMS: 30000,
			},
		},
	}
}

// LoadConfig reads and parses a YAML config file over the defaults.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("modelgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("modelgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// FromEnv builds a Config from environment variables, loading a .env file
// first when one is present.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.Quota.DailyLimit = envInt("DAILY_REQUEST_LIMIT", cfg.Quota.DailyLimit)
	cfg.Quota.MinIntervalMS = envInt("MIN_REQUEST_INTERVAL_MS", cfg.Quota.MinIntervalMS)
	cfg.Quota.ResetHourUTC = envInt("QUOTA_RESET_HOUR_UTC", cfg.Quota.ResetHourUTC)
	cfg.Metrics.IntervalMS = envInt("METRICS_INTERVAL_MS", cfg.Metrics.IntervalMS)
	cfg.Metrics.RetentionDays = envInt("METRICS_RETENTION_DAYS", cfg.Metrics.RetentionDays)
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		cfg.Metrics.LogDir = dir
		cfg.Quota.StateDir = dir
	}
	cfg.Routing.TimeoutMS = envInt("CONNECTOR_TIMEOUT_MS", cfg.Routing.TimeoutMS)
	cfg.Connectors.ProbeTTLMS = envInt("PROBE_TTL_MS", cfg.Connectors.ProbeTTLMS)
	cfg.Connectors.Hosted.APIKey = os.Getenv("HOSTED_API_KEY")
	cfg.Connectors.Hosted.BaseURL = os.Getenv("HOSTED_BASE_URL")
	cfg.Connectors.Local.DefaultURL = os.Getenv("USER_LOCAL_DEFAULT_URL")
	cfg.Connectors.Local.IdleEvictMS = envInt("LOCAL_IDLE_EVICT_MS", cfg.Connectors.Local.IdleEvictMS)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("modelgate: config: quota.daily_limit must be > 0, got %d", c.Quota.DailyLimit)
	}
	if c.Quota.MinIntervalMS < 0 {
		return fmt.Errorf("modelgate: config: quota.min_interval_ms must be >= 0, got %d", c.Quota.MinIntervalMS)
	}
	if c.Quota.ResetHourUTC < 0 || c.Quota.ResetHourUTC > 23 {
		return fmt.Errorf("modelgate: config: quota.reset_hour_utc must be in [0,23], got %d", c.Quota.ResetHourUTC)
	}
	if c.Metrics.IntervalMS <= 0 {
		return fmt.Errorf("modelgate: config: metrics.interval_ms must be > 0, got %d", c.Metrics.IntervalMS)
	}
	if c.Metrics.RetentionDays <= 0 {
		return fmt.Errorf("modelgate: config: metrics.retention_days must be > 0, got %d", c.Metrics.RetentionDays)
	}
	if c.Routing.TimeoutMS <= 0 {
		return fmt.Errorf("modelgate: config: routing.timeout_ms must be > 0, got %d", c.Routing.TimeoutMS)
	}
	for cat, prefs := range c.Routing.Preferences {
		if ParseCategory(cat) == CategoryUnknown && cat != string(CategoryUnknown) {
			return fmt.Errorf("modelgate: config: routing.preferences: unknown category %q", cat)
		}
		if len(prefs) == 0 {
			return fmt.Errorf("modelgate: config: routing.preferences[%s]: empty connector list", cat)
		}
	}
	return nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
