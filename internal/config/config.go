package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	Debug bool

	// Storage
	DatabasePath string `validate:"required"`
	StateBackend string `validate:"oneof=file redis memory"`
	StateDir     string `validate:"required_if=StateBackend file"`
	RedisURL     string `validate:"required_if=StateBackend redis"`

	// Sweep
	SweepInterval time.Duration `validate:"gte=1s"`

	// Decision oracle
	OracleURL      string `validate:"omitempty,url"`
	OracleAPIKey   string
	OracleTimeout  time.Duration `validate:"gt=0s"`
	OraclePreScore float64       `validate:"gte=0,lte=1"`

	// Notifications
	KafkaBrokers []string
	KafkaTopic   string `validate:"required_with=KafkaBrokers"`
	HTTPAddr     string

	// Governance
	RequireApproval bool

	// Paper trading
	StartingBalance decimal.Decimal
	MinBet          decimal.Decimal
	MinBalance      decimal.Decimal
	MinEdge         float64 `validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Load reads .env (when present) and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to read .env")
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only
func FromEnv() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Debug: getEnvBool("DEBUG", false),

		// Storage
		DatabasePath: getEnv("DATABASE_PATH", "data/polylearn.db"),
		StateBackend: getEnv("STATE_BACKEND", "file"),
		StateDir:     getEnv("STATE_DIR", "data/state"),
		RedisURL:     os.Getenv("REDIS_URL"),

		// Sweep
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Minute),

		// Decision oracle
		OracleURL:      os.Getenv("ORACLE_URL"),
		OracleAPIKey:   os.Getenv("ORACLE_API_KEY"),
		OracleTimeout:  getEnvDuration("ORACLE_TIMEOUT", 8*time.Second),
		OraclePreScore: getEnvFloat("ORACLE_PRE_SCORE", 0.25),

		// Notifications
		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "polylearn.events"),
		HTTPAddr:     os.Getenv("HTTP_ADDR"),

		RequireApproval: getEnvBool("REQUIRE_APPROVAL", false),

		// Paper trading
		StartingBalance: getEnvDecimal("STARTING_BALANCE", decimal.NewFromInt(1000)),
		MinBet:          getEnvDecimal("MIN_BET", decimal.NewFromInt(1)),
		MinBalance:      getEnvDecimal("MIN_BALANCE", decimal.NewFromInt(5)),
		MinEdge:         getEnvFloat("MIN_EDGE", 0.40),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.StartingBalance.IsPositive() {
		return nil, fmt.Errorf("STARTING_BALANCE must be positive")
	}
	if cfg.MinBet.IsNegative() || cfg.MinBalance.IsNegative() {
		return nil, fmt.Errorf("MIN_BET and MIN_BALANCE must not be negative")
	}

	return cfg, nil
}

// TelegramEnabled reports whether both Telegram settings are present
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
