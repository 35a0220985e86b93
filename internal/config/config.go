package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	MySQL         DatabaseConfig      `mapstructure:"mysql"`
	ClickHouse    DatabaseConfig      `mapstructure:"clickhouse"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper"`
	Dispatcher    DispatcherConfig    `mapstructure:"dispatcher"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Subscriptions SubscriptionsConfig `mapstructure:"subscriptions"`
	Providers     []ProviderConfig    `mapstructure:"providers"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

// PipelineConfig controls ingestion and dispatch.
type PipelineConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	DispatchMode    string        `mapstructure:"dispatch_mode"` // inline | async
	ProcessingLease time.Duration `mapstructure:"processing_lease"`
	ReviewLease     time.Duration `mapstructure:"review_lease"`
}

type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	MinAge    time.Duration `mapstructure:"min_age"`
	LockKey   string        `mapstructure:"lock_key"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type DispatcherConfig struct {
	WorkerCount int `mapstructure:"worker_count"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type SubscriptionsConfig struct {
	DefaultTier string            `mapstructure:"default_tier"`
	PlanTiers   map[string]string `mapstructure:"plan_tiers"`
}

// ProviderConfig describes one inbound webhook source.
type ProviderConfig struct {
	Name            string `mapstructure:"name"`
	Kind            string `mapstructure:"kind"` // payments | email
	Enabled         bool   `mapstructure:"enabled"`
	Scheme          string `mapstructure:"scheme"`
	Secret          string `mapstructure:"secret"`
	SecretEnv       string `mapstructure:"secret_env"`
	PublicKey       string `mapstructure:"public_key"`
	PublicKeyEnv    string `mapstructure:"public_key_env"`
	SignatureHeader string `mapstructure:"signature_header"`
	TimestampHeader string `mapstructure:"timestamp_header"`
	NotificationURL string `mapstructure:"notification_url"`
}

// Provider returns the enabled provider with the given name.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Enabled && strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (WHGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (WHGW_PIPELINE_MAX_ATTEMPTS, ...)
	v.SetEnvPrefix("WHGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.SecretEnv != "" {
			if s := os.Getenv(p.SecretEnv); s != "" {
				p.Secret = s
			}
		}
		if p.PublicKeyEnv != "" {
			if k := os.Getenv(p.PublicKeyEnv); k != "" {
				p.PublicKey = k
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be >= 1, got %d", c.Pipeline.MaxAttempts)
	}
	switch c.Pipeline.DispatchMode {
	case "inline", "async":
	default:
		return fmt.Errorf("pipeline.dispatch_mode must be inline or async, got %q", c.Pipeline.DispatchMode)
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[name] {
			return fmt.Errorf("provider %q configured twice", p.Name)
		}
		seen[name] = true
		if p.Kind != "payments" && p.Kind != "email" {
			return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
	}
	return nil
}
