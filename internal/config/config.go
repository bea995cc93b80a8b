// Package config loads the realtime server's settings from the environment,
// after an optional .env file.
package config

import (
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the complete server configuration.
type Config struct {
	ListenAddr     string `env:"LISTEN_ADDR,default=:8080" validate:"required"`
	WorkerPoolSize int    `env:"WORKER_POOL_SIZE,default=256" validate:"min=1"`
	MaxConnections int    `env:"MAX_CONNECTIONS,default=100000" validate:"min=1"`
	ServerName     string `env:"SERVER_NAME"`

	ReadTimeout       time.Duration `env:"READ_TIMEOUT,default=10s" validate:"min=0"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT,default=10s" validate:"min=0"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s" validate:"gt=0"`
	HandlerTimeout    time.Duration `env:"HANDLER_TIMEOUT,default=5s" validate:"gt=0"`

	TypingTTL  time.Duration `env:"TYPING_TTL,default=10s" validate:"gt=0"`
	EditWindow time.Duration `env:"EDIT_WINDOW,default=24h" validate:"gt=0"`

	InboundRate  float64 `env:"INBOUND_RATE,default=20" validate:"gt=0"`
	InboundBurst int     `env:"INBOUND_BURST,default=40" validate:"min=1"`

	DatabaseURL string `env:"DATABASE_URL"` // empty keeps everything in memory
	RedisAddr   string `env:"REDIS_ADDR"`   // empty disables rate limits and last-seen
	NATSURL     string `env:"NATS_URL"`     // empty disables point credits

	JWTSecret string `env:"JWT_SECRET" validate:"required,min=16"`
	JWTIssuer string `env:"JWT_ISSUER"`
}

var validate = validator.New()

// Load reads .env when present, then the process environment, and
// validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnviron()
}

// FromEnviron reads and validates the process environment only.
func FromEnviron() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ServerName == "" {
		host, _ := os.Hostname()
		cfg.ServerName = host
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
