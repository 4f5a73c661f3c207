package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite or postgres
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type SettlementConfig struct {
	Timeout              time.Duration     `mapstructure:"timeout"`
	MaxAttempts          int               `mapstructure:"max_attempts"`
	RetryBackoff         time.Duration     `mapstructure:"retry_backoff"`
	ConfirmationTimeout  time.Duration     `mapstructure:"confirmation_timeout"`
	ConfirmationInterval time.Duration     `mapstructure:"confirmation_interval"`
	ReconcileInterval    time.Duration     `mapstructure:"reconcile_interval"`
	FeePercentage        string            `mapstructure:"fee_percentage"`
	PaymentToken         string            `mapstructure:"payment_token"`
	PaymentTokens        map[string]string `mapstructure:"payment_tokens"`
}

// Fee returns the configured platform fee percentage
func (c SettlementConfig) Fee() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(c.FeePercentage)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse settlement.fee_percentage: %w", err)
	}
	if fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("settlement.fee_percentage must be between 0 and 100")
	}
	return fee, nil
}

type BlockchainConfig struct {
	Provider          string        `mapstructure:"provider"` // simulated or http
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	MinLatency        time.Duration `mapstructure:"min_latency"`
	MaxLatency        time.Duration `mapstructure:"max_latency"`
	SuccessRate       float64       `mapstructure:"success_rate"`
	ConfirmationDelay time.Duration `mapstructure:"confirmation_delay"`
}

type MatchingConfig struct {
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
}

type Config struct {
	Env        string           `mapstructure:"env"`
	LogLevel   string           `mapstructure:"log_level"`
	Debug      bool             `mapstructure:"debug"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Blockchain BlockchainConfig `mapstructure:"blockchain"`
	Matching   MatchingConfig   `mapstructure:"matching"`
}

// IsProduction reports whether the service runs in the production environment
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads configuration from the optional YAML file at path, then applies
// TOKEX_* environment overrides on top of the defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TOKEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot guarantee
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Blockchain.Provider {
	case "simulated":
	case "http":
		if c.Blockchain.BaseURL == "" {
			return fmt.Errorf("blockchain.base_url is required for the http provider")
		}
	default:
		return fmt.Errorf("blockchain.provider must be simulated or http, got %q", c.Blockchain.Provider)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Settlement.MaxAttempts <= 0 {
		return fmt.Errorf("settlement.max_attempts must be positive")
	}
	if _, err := c.Settlement.Fee(); err != nil {
		return err
	}
	if c.Blockchain.MaxLatency < c.Blockchain.MinLatency {
		return fmt.Errorf("blockchain.max_latency must not be below blockchain.min_latency")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tokex.db")
	v.SetDefault("database.max_open_conns", 1)

	v.SetDefault("auth.jwt_secret", "tokex-secret-key")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "tokex")

	v.SetDefault("settlement.timeout", "15s")
	v.SetDefault("settlement.max_attempts", 3)
	v.SetDefault("settlement.retry_backoff", "250ms")
	v.SetDefault("settlement.confirmation_timeout", "10s")
	v.SetDefault("settlement.confirmation_interval", "1s")
	v.SetDefault("settlement.reconcile_interval", "1m")
	v.SetDefault("settlement.fee_percentage", "0.25")
	v.SetDefault("settlement.payment_token", "USDC")
	v.SetDefault("settlement.payment_tokens", map[string]string{})

	v.SetDefault("blockchain.provider", "simulated")
	v.SetDefault("blockchain.base_url", "")
	v.SetDefault("blockchain.api_key", "")
	v.SetDefault("blockchain.min_latency", "50ms")
	v.SetDefault("blockchain.max_latency", "250ms")
	v.SetDefault("blockchain.success_rate", 0.97)
	v.SetDefault("blockchain.confirmation_delay", "2s")

	v.SetDefault("matching.expiry_interval", "30s")
}
