package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/uma-arai/sbcntr-estate/internal/common/database"
)

// RuleDefaults はルールプロバイダに有効なルールがない場合の既定値です
type RuleDefaults struct {
	MaxProperties     int
	VisitWindowDays   int
	BookingWindowDays int
	AdderRate         float64
	SellerRate        float64
}

type Config struct {
	Env     string
	LogMode string
	Port    string
	DB      database.Config
	SFN     struct {
		TaskToken                   string
		NotificationStateMachineARN string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	Sweep struct {
		Interval time.Duration
		LockTTL  time.Duration
	}
	NotifyBuffer  int
	Rules         RuleDefaults
	EnableTracing bool
}

// IsLocal はENV=LOCALで起動されているかを返します
func (c *Config) IsLocal() bool {
	return c.Env == "LOCAL"
}

// LoadConfig は設定を読み込みます
// バッチ以外から呼び出す場合、taskTokenは空文字で構いません
func LoadConfig(taskToken string) (*Config, error) {
	cfg := &Config{
		Env:     os.Getenv("ENV"),
		LogMode: getEnvOrDefault("LOG_MODE", "dev"),
		Port:    getEnvOrDefault("PORT", "8080"),
		DB: database.Config{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getEnvAsIntOrDefault("DB_PORT", 5432),
			UserName: getEnvOrDefault("DB_USERNAME", "sbcntrapp"),
			Password: getEnvOrDefault("DB_PASSWORD", "password"),
			DBName:   getEnvOrDefault("DB_NAME", "sbcntrapp"),
		},
		NotifyBuffer: getEnvAsIntOrDefault("NOTIFY_BUFFER", 256),
		Rules: RuleDefaults{
			MaxProperties:     getEnvAsIntOrDefault("RULE_DEFAULT_MAX_PROPERTIES", 5),
			VisitWindowDays:   getEnvAsIntOrDefault("RULE_DEFAULT_VISIT_WINDOW_DAYS", 7),
			BookingWindowDays: getEnvAsIntOrDefault("RULE_DEFAULT_BOOKING_WINDOW_DAYS", 60),
			AdderRate:         getEnvAsFloatOrDefault("RULE_DEFAULT_ADDER_RATE", 1),
			SellerRate:        getEnvAsFloatOrDefault("RULE_DEFAULT_SELLER_RATE", 2),
		},
		EnableTracing: false,
	}
	cfg.SFN.TaskToken = taskToken
	cfg.SFN.NotificationStateMachineARN = os.Getenv("NOTIFICATION_STATE_MACHINE_ARN")
	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = getEnvAsIntOrDefault("REDIS_DB", 0)
	cfg.Sweep.Interval = getEnvAsDurationOrDefault("SWEEP_INTERVAL", time.Hour)
	cfg.Sweep.LockTTL = getEnvAsDurationOrDefault("SWEEP_LOCK_TTL", 10*time.Minute)

	// 環境変数[SBCNTR_ENABLE_TRACING]を見てトレースを有効にする。対応しているTracingはAWS_XRAYのみ。
	// 環境変数[AWS_XRAY_SDK_DISABLED]がtrueの場合は必ずトレースを無効にする。
	enableKey := os.Getenv("SBCNTR_ENABLE_TRACING")
	if !sdkDisabled() && (strings.ToLower(enableKey) == "true" || enableKey == "1") {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "FALSE")
		cfg.EnableTracing = true
	} else {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
		cfg.EnableTracing = false
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	log.Printf("Environment variable %s is not set, using default value", key)
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// Check if SDK is disabled
func sdkDisabled() bool {
	disableKey := os.Getenv("AWS_XRAY_SDK_DISABLED")
	return strings.ToLower(disableKey) == "true"
}
