package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	LedgerBackendFile     = "file"
	LedgerBackendRedis    = "redis"
	LedgerBackendPostgres = "postgres"
)

type Config struct {
	APIPort        int    `env:"API_PORT,default=8080"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	CredentialsDir string `env:"CREDENTIALS_DIR,default=auth"`
	UploadDir      string `env:"UPLOAD_DIR,default=uploads"`
	DefaultRegion  string `env:"DEFAULT_REGION,default=IN"`

	GatewayURL          string        `env:"GATEWAY_URL,required=true"`
	GatewayPollInterval time.Duration `env:"GATEWAY_POLL_INTERVAL,default=1s"`
	SendTimeout         time.Duration `env:"SEND_TIMEOUT,default=60s"`
	ConnectTimeout      time.Duration `env:"CONNECT_TIMEOUT,default=10m"`

	LedgerBackend  string `env:"LEDGER_BACKEND,default=file"`
	LedgerPath     string `env:"LEDGER_PATH,default=sent.json"`
	LedgerRedisKey string `env:"LEDGER_REDIS_KEY,default=dispatch:ledger"`
	DatabaseDSN    string `env:"DATABASE_DSN"`
	RedisURL       string `env:"REDIS_URL"`
	RabbitMQURL    string `env:"RABBITMQ_URL"`

	DelayMin          time.Duration `env:"DELAY_MIN,default=25s"`
	DelayMax          time.Duration `env:"DELAY_MAX,default=35s"`
	LongBreakEveryMin int           `env:"LONG_BREAK_EVERY_MIN,default=93"`
	LongBreakEveryMax int           `env:"LONG_BREAK_EVERY_MAX,default=100"`
	LongBreakMin      time.Duration `env:"LONG_BREAK_MIN,default=10m"`
	LongBreakMax      time.Duration `env:"LONG_BREAK_MAX,default=15m"`
	PausePollInterval time.Duration `env:"PAUSE_POLL_INTERVAL,default=6s"`

	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS,default=10"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY,default=1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY,default=2m"`
	ReconnectConfirm     time.Duration `env:"RECONNECT_CONFIRM_TIMEOUT,default=30s"`

	SendCapPerWindow int           `env:"SEND_CAP_PER_WINDOW,default=0"`
	SendCapWindow    time.Duration `env:"SEND_CAP_WINDOW,default=1h"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.LedgerBackend = strings.ToLower(strings.TrimSpace(cfg.LedgerBackend))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks rules that span more than one field.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.GatewayURL) == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}

	switch c.LedgerBackend {
	case LedgerBackendFile:
		if strings.TrimSpace(c.LedgerPath) == "" {
			return fmt.Errorf("LEDGER_PATH is required for the file ledger")
		}
	case LedgerBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required for the redis ledger")
		}
	case LedgerBackendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unsupported LEDGER_BACKEND %q", c.LedgerBackend)
	}

	if c.DelayMin < 0 || c.DelayMax < c.DelayMin {
		return fmt.Errorf("DELAY_MIN/DELAY_MAX must satisfy 0 <= min <= max")
	}
	if c.LongBreakEveryMin < 1 || c.LongBreakEveryMax < c.LongBreakEveryMin {
		return fmt.Errorf("LONG_BREAK_EVERY_MIN/MAX must satisfy 1 <= min <= max")
	}
	if c.LongBreakMin < 0 || c.LongBreakMax < c.LongBreakMin {
		return fmt.Errorf("LONG_BREAK_MIN/LONG_BREAK_MAX must satisfy 0 <= min <= max")
	}
	if c.SendCapPerWindow < 0 {
		return fmt.Errorf("SEND_CAP_PER_WINDOW must be >= 0")
	}
	if c.SendCapPerWindow > 0 && c.SendCapWindow <= 0 {
		return fmt.Errorf("SEND_CAP_WINDOW must be positive when a send cap is set")
	}
	return nil
}
