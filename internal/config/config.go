package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type TelegramConfig struct {
	BotToken string
	Timeout  time.Duration // исходящие вызовы API, включая отправку сообщений
}

type CoingeckoConfig struct {
	BaseURL string
	Timeout time.Duration
}

type RedisConfig struct {
	Addr     string // пустая строка выключает кэш котировок
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Tick            time.Duration
	FetchTimeout    time.Duration
	NotifyTimeout   time.Duration
	Workers         int
	DefaultInterval time.Duration // для /subscribe без явного интервала
}

type Config struct {
	Env         string // "local", "prod"
	MetricsAddr string

	Database  DatabaseConfig
	Telegram  TelegramConfig
	Coingecko CoingeckoConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Env:         getEnv("ENV", "local"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "coinwatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Telegram: TelegramConfig{
			BotToken: os.Getenv("TELEGRAM_TOKEN"),
			Timeout:  getEnvDuration("TELEGRAM_TIMEOUT", 10*time.Second),
		},
		Coingecko: CoingeckoConfig{
			BaseURL: getEnv("COINGECKO_BASE_URL", ""),
			Timeout: getEnvDuration("COINGECKO_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      getEnvDuration("REDIS_TTL", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Tick:            getEnvDuration("SCHEDULER_TICK", 5*time.Second),
			FetchTimeout:    getEnvDuration("SCHEDULER_FETCH_TIMEOUT", 10*time.Second),
			NotifyTimeout:   getEnvDuration("SCHEDULER_NOTIFY_TIMEOUT", 10*time.Second),
			Workers:         getEnvInt("SCHEDULER_WORKERS", 5),
			DefaultInterval: getEnvDuration("DEFAULT_UPDATE_INTERVAL", 300*time.Second),
		},
	}

	if cfg.Telegram.BotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_TOKEN is not set")
	}
	if cfg.Scheduler.Tick < 5*time.Second {
		cfg.Scheduler.Tick = 5 * time.Second
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// голые числа читаются как секунды
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
