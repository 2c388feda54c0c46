// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExchangeConfig holds Bybit V5 connection settings.
type ExchangeConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// TradingConfig holds the strategy roster and sizing parameters.
type TradingConfig struct {
	Symbols               []string
	PositionSizeUSDT      float64
	Leverage              int
	EMAPeriod4H           int
	STPeriod4H            int
	STMultiplier4H        float64
	STPeriod1H            int
	STMultiplier1H        float64
	CheckIntervalSeconds  int
	Update4HHours         int
	MaxOpenPositions      int
	DryRun                bool
	MarginMode            string
}

// CircuitBreakerConfig holds the consecutive-failure breaker's parameters.
type CircuitBreakerConfig struct {
	ConsecutiveFailureThreshold int
	CooldownMinutes             int
}

// LoggingConfig configures the zerolog writer.
type LoggingConfig struct {
	Level  string
	JSON   bool
}

// ServerConfig configures the dashboard HTTP API.
type ServerConfig struct {
	Port           int
	AllowedOrigins string
	JWTSecret      string
	AdminUsername  string
	AdminPassword  string
}

// VaultConfig configures the optional HashiCorp Vault secrets provider.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// RedisConfig configures the optional dashboard read cache.
type RedisConfig struct {
	Enabled bool
	Address string
	DB      int
}

// DatabaseConfig configures the optional Postgres audit mirror.
type DatabaseConfig struct {
	DSN string
}

// Config is the fully-resolved process configuration.
type Config struct {
	Exchange       ExchangeConfig
	Trading        TradingConfig
	CircuitBreaker CircuitBreakerConfig
	Logging        LoggingConfig
	Server         ServerConfig
	Vault          VaultConfig
	Redis          RedisConfig
	Database       DatabaseConfig
}

var defaultSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT",
	"XRPUSDT", "ADAUSDT", "DOGEUSDT", "AVAXUSDT",
}

// Load reads and validates configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Exchange: ExchangeConfig{
			APIKey:    os.Getenv("BYBIT_API_KEY"),
			APISecret: os.Getenv("BYBIT_API_SECRET"),
			Testnet:   getEnvBool("BYBIT_TESTNET", false),
		},
		Trading: TradingConfig{
			Symbols:              getEnvSymbols("SYMBOLS", defaultSymbols),
			PositionSizeUSDT:     getEnvFloat("POSITION_SIZE_USDT", 100),
			Leverage:             getEnvInt("LEVERAGE", 20),
			EMAPeriod4H:          getEnvInt("EMA_PERIOD_4H", 200),
			STPeriod4H:           getEnvInt("ST_PERIOD_4H", 10),
			STMultiplier4H:       getEnvFloat("ST_MULTIPLIER_4H", 3.0),
			STPeriod1H:           getEnvInt("ST_PERIOD_1H", 10),
			STMultiplier1H:       getEnvFloat("ST_MULTIPLIER_1H", 3.0),
			CheckIntervalSeconds: getEnvInt("CHECK_INTERVAL_SECONDS", 300),
			Update4HHours:        getEnvInt("UPDATE_4H_HOURS", 4),
			MaxOpenPositions:     getEnvInt("MAX_OPEN_POSITIONS", 8),
			DryRun:               getEnvBool("TRADING_DRY_RUN", false),
			MarginMode:           getEnvOrDefault("MARGIN_MODE", "ISOLATED"),
		},
		CircuitBreaker: CircuitBreakerConfig{
			ConsecutiveFailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			CooldownMinutes:             getEnvInt("CIRCUIT_COOLDOWN_MINUTES", 5),
		},
		Logging: LoggingConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
			JSON:  getEnvBool("LOG_JSON", true),
		},
		Server: ServerConfig{
			Port:           getEnvInt("API_PORT", getEnvInt("PORT", 8080)),
			AllowedOrigins: getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*"),
			JWTSecret:      os.Getenv("API_JWT_SECRET"),
			AdminUsername:  getEnvOrDefault("API_ADMIN_USERNAME", "admin"),
			AdminPassword:  os.Getenv("API_ADMIN_PASSWORD"),
		},
		Vault: VaultConfig{
			Enabled:    getEnvBool("VAULT_ENABLED", false),
			Address:    getEnvOrDefault("VAULT_ADDR", "http://127.0.0.1:8200"),
			Token:      os.Getenv("VAULT_TOKEN"),
			MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
			SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "contrarian-bot/bybit"),
		},
		Redis: RedisConfig{
			Enabled: os.Getenv("REDIS_ADDR") != "",
			Address: os.Getenv("REDIS_ADDR"),
			DB:      getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			DSN: os.Getenv("DATABASE_URL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects missing credentials, an empty symbol list, or leverage out of range.
func (c *Config) Validate() error {
	if !c.Vault.Enabled {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("config: BYBIT_API_KEY and BYBIT_API_SECRET are required")
		}
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("config: SYMBOLS must not be empty")
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 100 {
		return fmt.Errorf("config: LEVERAGE must be between 1 and 100, got %d", c.Trading.Leverage)
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("config: API_JWT_SECRET is required")
	}
	if c.Server.AdminPassword == "" {
		return fmt.Errorf("config: API_ADMIN_PASSWORD is required")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSymbols(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// RecvWindowMillis is the Bybit V5 signed-request receive window.
const RecvWindowMillis = 10000

// CheckInterval returns the periodic loop interval as a time.Duration.
func (t TradingConfig) CheckInterval() time.Duration {
	return time.Duration(t.CheckIntervalSeconds) * time.Second
}

// Update4HStaleAfter returns how old a 4H snapshot may get before refresh.
func (t TradingConfig) Update4HStaleAfter() time.Duration {
	return time.Duration(t.Update4HHours) * time.Hour
}
