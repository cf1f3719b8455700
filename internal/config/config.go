// Package config loads lotteryd configuration from a YAML file, a .env file
// and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/lottery_engine/pkg/logger"
	"github.com/R3E-Network/lottery_engine/services/lottery"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Lottery   LotteryConfig        `yaml:"lottery"`
	Oracle    OracleConfig         `yaml:"oracle"`
	PriceFeed PriceFeedConfig      `yaml:"price_feed"`
	Database  DatabaseConfig       `yaml:"database"`
	Redis     RedisConfig          `yaml:"redis"`
	Kafka     KafkaConfig          `yaml:"kafka"`
	Auth      AuthConfig           `yaml:"auth"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Upkeep    UpkeepConfig         `yaml:"upkeep"`
	Bank      BankConfig           `yaml:"bank"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LotteryConfig mirrors lottery.Config plus the USD fee.
type LotteryConfig struct {
	Interval           time.Duration `yaml:"interval" env:"LOTTERY_INTERVAL"`
	UsdTicketFee       string        `yaml:"usd_ticket_fee" env:"LOTTERY_USD_TICKET_FEE"`
	PrizeDistribution  []uint64      `yaml:"prize_distribution"`
	MaxTicketsPerEntry uint64        `yaml:"max_tickets_per_entry" env:"LOTTERY_MAX_TICKETS"`
	SettlementTimeout  time.Duration `yaml:"settlement_timeout" env:"LOTTERY_SETTLEMENT_TIMEOUT"`
}

// OracleConfig configures the randomness request and the in-process VRF
// coordinator.
type OracleConfig struct {
	SubscriptionID   uint64        `yaml:"subscription_id" env:"ORACLE_SUBSCRIPTION_ID"`
	KeyHash          string        `yaml:"key_hash" env:"ORACLE_KEY_HASH"`
	Confirmations    uint16        `yaml:"confirmations" env:"ORACLE_CONFIRMATIONS"`
	CallbackGasLimit uint32        `yaml:"callback_gas_limit" env:"ORACLE_CALLBACK_GAS_LIMIT"`
	KeySeed          string        `yaml:"key_seed" env:"ORACLE_KEY_SEED"` // hex, 32 bytes
	BlockTime        time.Duration `yaml:"block_time" env:"ORACLE_BLOCK_TIME"`
	AutoFulfill      bool          `yaml:"auto_fulfill" env:"ORACLE_AUTO_FULFILL"`
}

// PriceFeedConfig selects the price source. A URL selects the HTTP
// aggregator; otherwise the static answer is used.
type PriceFeedConfig struct {
	StaticAnswer int64         `yaml:"static_answer" env:"PRICE_FEED_STATIC_ANSWER"`
	Decimals     uint8         `yaml:"decimals" env:"PRICE_FEED_DECIMALS"`
	URL          string        `yaml:"url" env:"PRICE_FEED_URL"`
	AnswerPath   string        `yaml:"answer_path" env:"PRICE_FEED_ANSWER_PATH"`
	TimePath     string        `yaml:"time_path" env:"PRICE_FEED_TIME_PATH"`
	MaxAge       time.Duration `yaml:"max_age" env:"PRICE_FEED_MAX_AGE"`
}

// DatabaseConfig selects persistence. Empty DSN keeps state in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_URL"`
}

// RedisConfig enables event fan-out over Redis pub/sub.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	Channel  string `yaml:"channel" env:"REDIS_CHANNEL"`
}

// KafkaConfig enables event fan-out to a Kafka topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
}

// AuthConfig configures bearer JWT verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"AUTH_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// ServiceSecret enables the oracle fulfillment callback for services
	// presenting a token signed with it.
	ServiceSecret   string   `yaml:"service_secret" env:"AUTH_SERVICE_SECRET"`
	AllowedServices []string `yaml:"allowed_services"`
}

// RateLimitConfig configures per-client request limits.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// UpkeepConfig configures the settlement keeper.
type UpkeepConfig struct {
	Enabled     bool          `yaml:"enabled" env:"UPKEEP_ENABLED"`
	Schedule    string        `yaml:"schedule" env:"UPKEEP_SCHEDULE"`
	CancelStuck bool          `yaml:"cancel_stuck" env:"UPKEEP_CANCEL_STUCK"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
}

// BankConfig configures the payout bank. An empty MaxPayout is unlimited.
type BankConfig struct {
	MaxPayout string `yaml:"max_payout" env:"BANK_MAX_PAYOUT"`
}

// Default returns the deployment defaults.
func Default() *Config {
	lc := lottery.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EventBuffer:     1024,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Lottery: LotteryConfig{
			Interval:           lc.Interval,
			UsdTicketFee:       "10",
			PrizeDistribution:  []uint64(lc.PrizeDistribution.Clone()),
			MaxTicketsPerEntry: lc.MaxTicketsPerEntry,
		},
		Oracle: OracleConfig{
			Confirmations:    lc.Oracle.Confirmations,
			CallbackGasLimit: lc.Oracle.CallbackGasLimit,
			BlockTime:        time.Second,
			AutoFulfill:      true,
		},
		PriceFeed: PriceFeedConfig{
			StaticAnswer: 2000_00000000,
			Decimals:     8,
		},
		Redis: RedisConfig{Channel: "lottery.events"},
		Auth: AuthConfig{
			Issuer:          "lotteryd",
			TokenTTL:        24 * time.Hour,
			AllowedServices: []string{"vrf-oracle"},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Upkeep: UpkeepConfig{
			Enabled:    true,
			Schedule:   "@every 5s",
			RunTimeout: 30 * time.Second,
		},
	}
}

// Load reads path over the defaults, then applies envFile and the
// environment. An empty path or envFile is skipped; a missing envFile is not
// an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := c.Lottery.USDFee(); err != nil {
		return err
	}
	if err := c.Lottery.Engine(c.Oracle).Validate(); err != nil {
		return fmt.Errorf("lottery: %w", err)
	}
	if c.PriceFeed.URL == "" && c.PriceFeed.StaticAnswer <= 0 {
		return fmt.Errorf("price_feed: static_answer must be positive when no url is set")
	}
	if c.PriceFeed.URL != "" && c.PriceFeed.AnswerPath == "" {
		return fmt.Errorf("price_feed: answer_path required with url")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.ServiceSecret != "" && len(c.Auth.ServiceSecret) < 32 {
		return fmt.Errorf("auth.service_secret must be at least 32 bytes")
	}
	if _, err := c.Bank.Limit(); err != nil {
		return err
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Upkeep.Enabled && strings.TrimSpace(c.Upkeep.Schedule) == "" {
		return fmt.Errorf("upkeep.schedule required when upkeep is enabled")
	}
	return nil
}

// USDFee parses the configured USD ticket fee.
func (l LotteryConfig) USDFee() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(strings.TrimSpace(l.UsdTicketFee))
	if err != nil {
		return decimal.Zero, fmt.Errorf("lottery.usd_ticket_fee: %w", err)
	}
	if !fee.IsPositive() {
		return decimal.Zero, fmt.Errorf("lottery.usd_ticket_fee must be positive, got %s", fee)
	}
	return fee, nil
}

// Limit parses the payout limit; nil means unlimited.
func (b BankConfig) Limit() (*uint256.Int, error) {
	raw := strings.TrimSpace(b.MaxPayout)
	if raw == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("bank.max_payout: %w", err)
	}
	return v, nil
}

// Engine converts the lottery and oracle sections into a lottery.Config.
func (l LotteryConfig) Engine(o OracleConfig) lottery.Config {
	return lottery.Config{
		Interval:           l.Interval,
		MaxTicketsPerEntry: l.MaxTicketsPerEntry,
		PrizeDistribution:  lottery.PrizeDistribution(l.PrizeDistribution),
		SettlementTimeout:  l.SettlementTimeout,
		Oracle: lottery.OracleConfig{
			SubscriptionID:   o.SubscriptionID,
			KeyHash:          o.KeyHash,
			Confirmations:    o.Confirmations,
			CallbackGasLimit: o.CallbackGasLimit,
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
