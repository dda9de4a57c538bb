package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Dedupe    DedupeConfig    `mapstructure:"dedupe"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	CACert   string `mapstructure:"ca_cert"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

type RateLimitConfig struct {
	WindowMs          int `mapstructure:"window_ms"`
	Max               int `mapstructure:"max"`
	MetricsMultiplier int `mapstructure:"metrics_multiplier"`
}

// Window is the rate-limit window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// MetricsMax is the per-window ceiling for telemetry submissions.
func (c RateLimitConfig) MetricsMax() int {
	return c.Max * c.MetricsMultiplier
}

type DedupeConfig struct {
	// Windows maps event names to trailing window length in hours.
	Windows map[string]float64 `mapstructure:"windows"`
}

// WindowDurations converts the configured hours to durations.
func (c DedupeConfig) WindowDurations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Windows))
	for name, hours := range c.Windows {
		if hours > 0 {
			out[name] = time.Duration(hours * float64(time.Hour))
		}
	}
	return out
}

type NotifyConfig struct {
	ResendAPIKey string  `mapstructure:"resend_api_key"`
	From         string  `mapstructure:"from"`
	To           string  `mapstructure:"to"`
	Endpoint     string  `mapstructure:"endpoint"`
	PerSecond    float64 `mapstructure:"per_second"`
}

type RedisConfig struct {
	URL           string        `mapstructure:"url"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type DispatchConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	Workers     int           `mapstructure:"workers"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EnvPrefix prefixes every key not covered by an explicit binding,
// e.g. INGEST_DISPATCH_WORKERS.
const EnvPrefix = "INGEST"

// envBindings keeps the deployment's established variable names.
var envBindings = map[string]string{
	"server.port":                   "PORT",
	"server.trust_proxy":            "TRUST_PROXY",
	"database.url":                  "DATABASE_URL",
	"database.ca_cert":              "DATABASE_CA_CERT",
	"cors.origins":                  "CORS_ORIGINS",
	"rate_limit.window_ms":          "RATE_LIMIT_WINDOW_MS",
	"rate_limit.max":                "RATE_LIMIT_MAX",
	"rate_limit.metrics_multiplier": "METRICS_RATE_LIMIT_MULTIPLIER",
	"notify.resend_api_key":         "RESEND_API_KEY",
	"notify.from":                   "RESEND_FROM",
	"notify.to":                     "ALERT_TO",
	"redis.url":                     "REDIS_URL",
	"kafka.brokers":                 "KAFKA_BROKERS",
	"kafka.topic":                   "KAFKA_TOPIC",
	"logging.level":                 "LOG_LEVEL",
}

// SetDefaults registers defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "4000")
	v.SetDefault("server.max_body_bytes", 16<<10)
	v.SetDefault("server.request_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("database.max_conns", 10)

	v.SetDefault("cors.origins", []string{"http://localhost:3000"})

	v.SetDefault("rate_limit.window_ms", 15*60*1000)
	v.SetDefault("rate_limit.max", 20)
	v.SetDefault("rate_limit.metrics_multiplier", 10)

	v.SetDefault("dedupe.windows", map[string]float64{})

	v.SetDefault("notify.per_second", 2.0)

	v.SetDefault("redis.flush_interval", 10*time.Second)

	v.SetDefault("kafka.topic", "portfolio.metrics")

	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.task_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// BindEnv wires environment variables into v.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}
	return nil
}

// Load reads the configuration held by v (defaults, optional file, env).
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORS.Origins = parseList(cfg.CORS.Origins)
	cfg.Kafka.Brokers = parseList(cfg.Kafka.Brokers)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	return cfg, nil
}

// New returns a viper instance with defaults and environment bindings applied.
func New() (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks the settings required to serve traffic.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, errors.New("database.url (DATABASE_URL) is required"))
	}
	if c.RateLimit.WindowMs <= 0 {
		errs = append(errs, errors.New("rate_limit.window_ms must be positive"))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("rate_limit.max must be positive"))
	}
	if c.RateLimit.MetricsMultiplier <= 0 {
		errs = append(errs, errors.New("rate_limit.metrics_multiplier must be positive"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// parseList splits comma-separated entries and drops blanks and duplicates.
func parseList(in []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimRight(strings.TrimSpace(item), "/")
			if item == "" {
				continue
			}
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}
