package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type APIConfig struct {
	Addr         string   `env:"EMPIRE_API_ADDR" envDefault:":8080"`
	DatabaseURL  string   `env:"DATABASE_URL"`
	RedisURL     string   `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	AdminToken   string   `env:"EMPIRE_ADMIN_TOKEN"`
	KafkaBrokers []string `env:"EMPIRE_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"EMPIRE_KAFKA_TOPIC" envDefault:"empire.events"`
	GameDataPath string   `env:"EMPIRE_GAME_DATA"`
	Economy      Economy
}

type WorkerConfig struct {
	DatabaseURL  string   `env:"DATABASE_URL"`
	RedisURL     string   `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	KafkaBrokers []string `env:"EMPIRE_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"EMPIRE_KAFKA_TOPIC" envDefault:"empire.events"`
	GameDataPath string   `env:"EMPIRE_WORKER_GAME_DATA"`
	RunOnce      bool     `env:"EMPIRE_WORKER_RUN_ONCE"`
	Migrate      bool     `env:"EMPIRE_WORKER_MIGRATE" envDefault:"true"`
	Economy      Economy
}

type CLIConfig struct {
	APIBaseURL string `env:"EMPIRE_API_BASE_URL" envDefault:"http://localhost:8080"`
	AdminToken string `env:"EMPIRE_ADMIN_TOKEN"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// loadDotEnv reads .env when present. A missing file is not an error.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	var cfg APIConfig
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.Addr = port
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(cfg.AdminToken) == "" {
		return cfg, fmt.Errorf("EMPIRE_ADMIN_TOKEN is required")
	}
	if err := cfg.Economy.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if err := cfg.Economy.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	var cfg CLIConfig
	_ = loadDotEnv()
	if err := ParseEnv(&cfg); err != nil {
		cfg.APIBaseURL = "http://localhost:8080"
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return cfg
}
