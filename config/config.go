package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Network    NetworkConfig    `mapstructure:"network"`
	Security   SecurityConfig   `mapstructure:"security"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, memory
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	// OpTimeout bounds every read and write. The dedup and idempotency
	// lookups sit on the webhook hot path.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// SettlementConfig tunes authorization, payout and sweep behaviour.
type SettlementConfig struct {
	CommissionBPS       int64         `mapstructure:"commission_bps"`
	Currency            string        `mapstructure:"currency"`
	AuthorizationBudget time.Duration `mapstructure:"authorization_budget"`
	StalenessWindow     time.Duration `mapstructure:"staleness_window"`
	MaxDeferralWindow   time.Duration `mapstructure:"max_deferral_window"`
	RedemptionExpiry    time.Duration `mapstructure:"redemption_expiry"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize      int           `mapstructure:"sweep_batch_size"`
	IdempotencyTTL      time.Duration `mapstructure:"idempotency_ttl"`
	EventDedupTTL       time.Duration `mapstructure:"event_dedup_ttl"`
	// ClientTopup exposes POST /wallets/topup to any wallet holder. Funds
	// arrive through the card program in production, so release mode
	// refuses it.
	ClientTopup bool `mapstructure:"client_topup"`
}

type GatewayConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
}

type NetworkConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type SecurityConfig struct {
	RedemptionCodeKey string `mapstructure:"redemption_code_key"`
}

// Validate rejects configurations the settlement engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Settlement.CommissionBPS < 0 || c.Settlement.CommissionBPS >= 10000 {
		errs = append(errs, fmt.Errorf("settlement.commission_bps must be in [0, 10000), got %d", c.Settlement.CommissionBPS))
	}
	if c.Settlement.AuthorizationBudget <= 0 {
		errs = append(errs, errors.New("settlement.authorization_budget must be positive"))
	}
	if c.Settlement.MaxDeferralWindow < c.Settlement.StalenessWindow {
		errs = append(errs, errors.New("settlement.max_deferral_window must not be shorter than staleness_window"))
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver))
	}
	if c.Server.Mode == "release" {
		if c.JWT.Secret == "" {
			errs = append(errs, errors.New("jwt.secret is required in release mode"))
		}
		if c.Network.WebhookSecret == "" || c.Gateway.WebhookSecret == "" {
			errs = append(errs, errors.New("network and gateway webhook secrets are required in release mode"))
		}
		if len(c.Security.RedemptionCodeKey) < 32 {
			errs = append(errs, errors.New("security.redemption_code_key must be at least 32 bytes in release mode"))
		}
		if c.Settlement.ClientTopup {
			errs = append(errs, errors.New("settlement.client_topup cannot be enabled in release mode"))
		}
	}
	return errors.Join(errs...)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: WLS_ (Wallet Ledger Settlement).
// Nested keys use underscore: WLS_DATABASE_HOST, WLS_GATEWAY_API_KEY, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "wallet_settlement")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.op_timeout", "250ms")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "wallet-settlement")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("settlement.commission_bps", 500)
	v.SetDefault("settlement.currency", "USD")
	v.SetDefault("settlement.authorization_budget", "1500ms")
	v.SetDefault("settlement.staleness_window", "15m")
	v.SetDefault("settlement.max_deferral_window", "72h")
	v.SetDefault("settlement.redemption_expiry", "168h")
	v.SetDefault("settlement.sweep_interval", "1m")
	v.SetDefault("settlement.sweep_batch_size", 100)
	v.SetDefault("settlement.idempotency_ttl", "24h")
	v.SetDefault("settlement.event_dedup_ttl", "72h")
	v.SetDefault("settlement.client_topup", false)
	v.SetDefault("gateway.base_url", "http://localhost:9000")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.timeout", "5s")
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.retry_backoff", "200ms")
	v.SetDefault("gateway.webhook_secret", "")
	v.SetDefault("network.webhook_secret", "")
	v.SetDefault("security.redemption_code_key", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// WLS_GATEWAY_BASE_URL -> gateway.base_url
	v.SetEnvPrefix("WLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional; env vars can suffice.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
