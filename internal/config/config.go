package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/YourDaypilot/orchestration/internal/coordinator"
	"github.com/YourDaypilot/orchestration/internal/stages"
	"github.com/YourDaypilot/orchestration/internal/workflow"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "config/hub.yaml"

// ServiceConfig contains the listener settings
type ServiceConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	MetricsPort     int           `mapstructure:"metrics_port" yaml:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
}

// LoggingConfig selects the zap preset.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or console
}

// CoordinatorConfig tunes agent assignment.
type CoordinatorConfig struct {
	StageTimeout     time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`
	Policy           string        `mapstructure:"policy" yaml:"policy"`
	QueueDepth       int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RecoveryAfter    time.Duration `mapstructure:"recovery_after" yaml:"recovery_after"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval" yaml:"recovery_interval"`
}

// DispatcherConfig tunes the event dispatcher.
type DispatcherConfig struct {
	Backlog       int     `mapstructure:"backlog" yaml:"backlog"`
	HistorySize   int     `mapstructure:"history_size" yaml:"history_size"`
	OverflowRate  float64 `mapstructure:"overflow_rate" yaml:"overflow_rate"`
	OverflowBurst int     `mapstructure:"overflow_burst" yaml:"overflow_burst"`
}

// EngineConfig tunes admission and retention.
type EngineConfig struct {
	MaxConcurrentWorkflows int           `mapstructure:"max_concurrent_workflows" yaml:"max_concurrent_workflows"`
	Retention              time.Duration `mapstructure:"retention" yaml:"retention"`
	MaxRetained            int           `mapstructure:"max_retained" yaml:"max_retained"`
	JanitorInterval        time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
}

// HealthConfig tunes the system monitor.
type HealthConfig struct {
	Interval            time.Duration `mapstructure:"interval" yaml:"interval"`
	HistorySize         int           `mapstructure:"history_size" yaml:"history_size"`
	SuccessRateBaseline float64       `mapstructure:"success_rate_baseline" yaml:"success_rate_baseline"`
	MinVolume           uint64        `mapstructure:"min_volume" yaml:"min_volume"`
}

// RedisConfig enables the Redis stream sink and snapshot archive.
type RedisConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	Sink         bool          `mapstructure:"sink" yaml:"sink"`
	Archive      bool          `mapstructure:"archive" yaml:"archive"`
	ArchiveTTL   time.Duration `mapstructure:"archive_ttl" yaml:"archive_ttl"`
	StreamMaxLen int64         `mapstructure:"stream_max_len" yaml:"stream_max_len"`
}

// DatabaseConfig enables the event-log sink.
type DatabaseConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	URL       string `mapstructure:"url" yaml:"url"`
	Workers   int    `mapstructure:"workers" yaml:"workers"`
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// HubConfig is the complete service configuration.
type HubConfig struct {
	Service     ServiceConfig       `mapstructure:"service" yaml:"service"`
	Logging     LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Pools       map[string]int      `mapstructure:"pools" yaml:"pools"`
	Coordinator CoordinatorConfig   `mapstructure:"coordinator" yaml:"coordinator"`
	Dispatcher  DispatcherConfig    `mapstructure:"dispatcher" yaml:"dispatcher"`
	Engine      EngineConfig        `mapstructure:"engine" yaml:"engine"`
	Health      HealthConfig        `mapstructure:"health" yaml:"health"`
	Redis       RedisConfig         `mapstructure:"redis" yaml:"redis"`
	Database    DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Tracing     TracingConfig       `mapstructure:"tracing" yaml:"tracing"`
	Graph       workflow.Definition `mapstructure:"graph" yaml:"graph"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.read_timeout", 15*time.Second)
	v.SetDefault("service.write_timeout", 60*time.Second)
	v.SetDefault("service.graceful_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("pools", map[string]int{
		"perception":   2,
		"analysis":     2,
		"intervention": 2,
		"feedback":     1,
	})

	v.SetDefault("coordinator.stage_timeout", 30*time.Second)
	v.SetDefault("coordinator.policy", string(coordinator.PolicyQueue))
	v.SetDefault("coordinator.queue_depth", 100)
	v.SetDefault("coordinator.failure_threshold", 3)
	v.SetDefault("coordinator.recovery_after", 30*time.Second)
	v.SetDefault("coordinator.recovery_interval", 10*time.Second)

	v.SetDefault("dispatcher.backlog", 256)
	v.SetDefault("dispatcher.history_size", 1000)
	v.SetDefault("dispatcher.overflow_rate", 10.0)
	v.SetDefault("dispatcher.overflow_burst", 10)

	v.SetDefault("engine.max_concurrent_workflows", 100)
	v.SetDefault("engine.retention", time.Hour)
	v.SetDefault("engine.max_retained", 10000)
	v.SetDefault("engine.janitor_interval", time.Minute)

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.history_size", 100)
	v.SetDefault("health.success_rate_baseline", 0.95)
	v.SetDefault("health.min_volume", 10)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.sink", true)
	v.SetDefault("redis.archive", true)
	v.SetDefault("redis.archive_ttl", 24*time.Hour)
	v.SetDefault("redis.stream_max_len", 10000)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.workers", 2)
	v.SetDefault("database.queue_size", 1000)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "daypilot-orchestration-hub")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names used by earlier deployments; the HUB_ form wins when both are set.
	_ = v.BindEnv("engine.max_concurrent_workflows", "HUB_ENGINE_MAX_CONCURRENT_WORKFLOWS", "MAX_CONCURRENT_WORKFLOWS")
	_ = v.BindEnv("redis.url", "HUB_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("database.url", "HUB_DATABASE_URL", "DATABASE_URL")
	return v
}

// legacySeconds maps integer-second env vars onto duration keys.
var legacySeconds = map[string]string{
	"REQUEST_TIMEOUT_SECONDS": "coordinator.stage_timeout",
	"HEALTH_CHECK_INTERVAL":   "health.interval",
}

func applyLegacySeconds(v *viper.Viper) error {
	for env, key := range legacySeconds {
		raw := os.Getenv(env)
		if raw == "" {
			continue
		}
		if os.Getenv("HUB_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		v.Set(key, time.Duration(n)*time.Second)
	}
	return nil
}

// Load reads the YAML file at path, or CONFIG_PATH, or DefaultPath. The file
// is optional; defaults and environment overrides always apply.
func Load(path string) (*HubConfig, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil || !errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := applyLegacySeconds(v); err != nil {
		return nil, fmt.Errorf("legacy env: %w", err)
	}

	var cfg HubConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// FromMap decodes a parsed YAML document on top of the defaults. It does not
// consult the environment.
func FromMap(m map[string]interface{}) (*HubConfig, error) {
	v := viper.New()
	setDefaults(v)
	if err := v.MergeConfigMap(m); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	var cfg HubConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *HubConfig) Validate() error {
	var errs []error
	if len(c.Pools) == 0 {
		errs = append(errs, errors.New("pools: at least one role is required"))
	}
	for role, n := range c.Pools {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("pools.%s: size must be positive, got %d", role, n))
		}
	}
	if c.Coordinator.StageTimeout <= 0 {
		errs = append(errs, errors.New("coordinator.stage_timeout must be positive"))
	}
	switch coordinator.Policy(c.Coordinator.Policy) {
	case coordinator.PolicyQueue, coordinator.PolicyBlock:
	default:
		errs = append(errs, fmt.Errorf("coordinator.policy: unknown policy %q", c.Coordinator.Policy))
	}
	if c.Coordinator.QueueDepth <= 0 {
		errs = append(errs, errors.New("coordinator.queue_depth must be positive"))
	}
	if c.Dispatcher.Backlog <= 0 {
		errs = append(errs, errors.New("dispatcher.backlog must be positive"))
	}
	if c.Engine.MaxConcurrentWorkflows <= 0 {
		errs = append(errs, errors.New("engine.max_concurrent_workflows must be positive"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if !c.Graph.Empty() {
		if unknown := c.Graph.UnknownStages(stages.Default()); len(unknown) > 0 {
			errs = append(errs, fmt.Errorf("graph: unknown stages %v", unknown))
		}
	}
	return errors.Join(errs...)
}

// GraphDefinition returns the configured graph or the built-in one.
func (c *HubConfig) GraphDefinition() workflow.Definition {
	if c.Graph.Empty() {
		return workflow.DefaultDefinition()
	}
	return c.Graph
}

// ValidateDocument is a Manager validator for the hub config file.
func ValidateDocument(m map[string]interface{}) error {
	cfg, err := FromMap(m)
	if err != nil {
		return err
	}
	return cfg.Validate()
}
