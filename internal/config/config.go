package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  Server  `yaml:"server"`
	DB      DB      `yaml:"db"`
	Chain   Chain   `yaml:"chain"`
	Gateway Gateway `yaml:"gateway"`
	Orders  Orders  `yaml:"orders"`
	Pricing Pricing `yaml:"pricing"`
	Worker  Worker  `yaml:"worker"`
	Notify  Notify  `yaml:"notify"`
	Redis   Redis   `yaml:"redis"`
	Logging Logging `yaml:"logging"`
}

type Server struct {
	Addr           string   `yaml:"addr" env:"SERVER_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

type DB struct {
	Driver string `yaml:"driver" env:"DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"DB_DSN"`
}

type Chain struct {
	APIEndpoints      []string `yaml:"api_endpoints" env:"TON_API_ENDPOINTS"`
	APIKey            string   `yaml:"api_key" env:"TON_API_KEY"`
	TreasuryAddress   string   `yaml:"treasury_address" env:"TON_TREASURY_ADDRESS"`
	FailoverThreshold int      `yaml:"failover_threshold" env:"TON_FAILOVER_THRESHOLD"`
	TxLimit           int      `yaml:"tx_limit" env:"TON_TX_LIMIT"`
	TxMaxPages        int      `yaml:"tx_max_pages" env:"TON_TX_MAX_PAGES"`
}

type Gateway struct {
	BaseURL     string `yaml:"base_url" env:"GATEWAY_BASE_URL"`
	SecretKey   string `yaml:"secret_key" env:"GATEWAY_SECRET_KEY"`
	Currency    string `yaml:"currency" env:"GATEWAY_CURRENCY"`
	CallbackURL string `yaml:"callback_url" env:"GATEWAY_CALLBACK_URL"`
	StateSecret string `yaml:"state_secret" env:"GATEWAY_STATE_SECRET"`
}

type Orders struct {
	OnChainTTLMinutes int    `yaml:"on_chain_ttl_minutes" env:"ORDER_ON_CHAIN_TTL_MINUTES"`
	FiatTTLMinutes    int    `yaml:"fiat_ttl_minutes" env:"ORDER_FIAT_TTL_MINUTES"`
	RefPrefix         string `yaml:"ref_prefix" env:"ORDER_REF_PREFIX"`
	MinAmount         string `yaml:"min_amount" env:"ORDER_MIN_AMOUNT"`
	MaxAmount         string `yaml:"max_amount" env:"ORDER_MAX_AMOUNT"`
}

type Pricing struct {
	FixedRate     string `yaml:"fixed_rate" env:"PRICING_FIXED_RATE"`
	OracleURL     string `yaml:"oracle_url" env:"PRICING_ORACLE_URL"`
	MaxAgeSeconds int    `yaml:"max_age_seconds" env:"PRICING_MAX_AGE_SECONDS"`
}

type Worker struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" env:"WORKER_POLL_INTERVAL_SECONDS"`
	SweepSchedule       string `yaml:"sweep_schedule" env:"WORKER_SWEEP_SCHEDULE"`
}

type Notify struct {
	AMQPURL  string `yaml:"amqp_url" env:"RABBITMQ_URL"`
	Exchange string `yaml:"exchange" env:"NOTIFY_EXCHANGE"`
}

type Redis struct {
	URL                  string `yaml:"url" env:"REDIS_URL"`
	CreateLimitPerMinute int    `yaml:"create_limit_per_minute" env:"CREATE_LIMIT_PER_MINUTE"`
}

type Logging struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	File       string `yaml:"file" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
}

// Load reads the YAML file, then lets .env and the process environment
// override individual fields. A missing .env file is ignored.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// env-only deployments
	default:
		return nil, err
	}

	_ = godotenv.Load()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "postgres"
	}
	if c.Chain.FailoverThreshold <= 0 {
		c.Chain.FailoverThreshold = 3
	}
	if c.Chain.TxLimit <= 0 {
		c.Chain.TxLimit = 50
	}
	if c.Chain.TxMaxPages <= 0 {
		c.Chain.TxMaxPages = 20
	}
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = "https://api.paystack.co"
	}
	if c.Gateway.Currency == "" {
		c.Gateway.Currency = "NGN"
	}
	if c.Orders.OnChainTTLMinutes <= 0 {
		c.Orders.OnChainTTLMinutes = 15
	}
	if c.Orders.FiatTTLMinutes <= 0 {
		c.Orders.FiatTTLMinutes = 60
	}
	if c.Orders.RefPrefix == "" {
		c.Orders.RefPrefix = "TON_"
	}
	if c.Orders.MaxAmount == "" {
		c.Orders.MaxAmount = "100000"
	}
	if c.Pricing.FixedRate == "" {
		c.Pricing.FixedRate = "1500"
	}
	if c.Pricing.MaxAgeSeconds <= 0 {
		c.Pricing.MaxAgeSeconds = 60
	}
	if c.Worker.PollIntervalSeconds <= 0 {
		c.Worker.PollIntervalSeconds = 4
	}
	if c.Worker.SweepSchedule == "" {
		c.Worker.SweepSchedule = "@every 1m"
	}
	if c.Notify.Exchange == "" {
		c.Notify.Exchange = "order.notify.exchange"
	}
	if c.Redis.CreateLimitPerMinute <= 0 {
		c.Redis.CreateLimitPerMinute = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 28
	}
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.DB.Driver != "postgres" && c.DB.Driver != "sqlite" {
		return fmt.Errorf("db.driver must be postgres or sqlite, got %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if c.Chain.TreasuryAddress == "" || len(c.Chain.APIEndpoints) == 0 {
		return errors.New("chain config is incomplete")
	}
	if c.Gateway.SecretKey == "" {
		return errors.New("gateway.secret_key is required")
	}
	if c.Gateway.StateSecret == "" {
		return errors.New("gateway.state_secret is required")
	}
	if rate, err := decimal.NewFromString(c.Pricing.FixedRate); err != nil || !rate.IsPositive() {
		return fmt.Errorf("pricing.fixed_rate must be a positive decimal, got %q", c.Pricing.FixedRate)
	}
	if c.Orders.MinAmount != "" {
		if _, err := decimal.NewFromString(c.Orders.MinAmount); err != nil {
			return fmt.Errorf("orders.min_amount: %w", err)
		}
	}
	if maxAmount, err := decimal.NewFromString(c.Orders.MaxAmount); err != nil || !maxAmount.IsPositive() {
		return fmt.Errorf("orders.max_amount must be a positive decimal, got %q", c.Orders.MaxAmount)
	} else if maxAmount.LessThan(c.MinAmount()) {
		return errors.New("orders.max_amount is below orders.min_amount")
	}
	return nil
}

func (c *Config) FixedRate() decimal.Decimal {
	return decimal.RequireFromString(c.Pricing.FixedRate)
}

func (c *Config) MinAmount() decimal.Decimal {
	if c.Orders.MinAmount == "" {
		return decimal.Zero
	}
	return decimal.RequireFromString(c.Orders.MinAmount)
}

func (c *Config) MaxAmount() decimal.Decimal {
	if c.Orders.MaxAmount == "" {
		return decimal.Zero
	}
	return decimal.RequireFromString(c.Orders.MaxAmount)
}

func (o Orders) OnChainTTL() time.Duration {
	return time.Duration(o.OnChainTTLMinutes) * time.Minute
}

func (o Orders) FiatTTL() time.Duration {
	return time.Duration(o.FiatTTLMinutes) * time.Minute
}

func (w Worker) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

func (p Pricing) MaxAge() time.Duration {
	return time.Duration(p.MaxAgeSeconds) * time.Second
}
