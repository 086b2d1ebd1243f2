package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Agent       AgentConfig       `yaml:"agent"`
	Transport   TransportConfig   `yaml:"transport"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type CoordinatorConfig struct {
	DatabasePath        string        `yaml:"database_path"`
	APIAddr             string        `yaml:"api_addr"`
	APIPasswordHash     string        `yaml:"api_password_hash"`
	DispatchTick        time.Duration `yaml:"dispatch_tick"`
	MinSendInterval     time.Duration `yaml:"min_send_interval"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
	RetrySweepInterval  time.Duration `yaml:"retry_sweep_interval"`
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	Webhook             WebhookConfig `yaml:"webhook"`
}

// WebhookConfig points job lifecycle notifications at an operator
// endpoint. Empty URL disables them.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type AgentConfig struct {
	DeviceID        string        `yaml:"device_id"`
	Credential      string        `yaml:"credential"`
	QueuePath       string        `yaml:"queue_path"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	LocalRetryCap   int           `yaml:"local_retry_cap"`
	LocalRetryDelay time.Duration `yaml:"local_retry_delay"`
	ReportInterval  time.Duration `yaml:"report_interval"`
	Printer         PrinterConfig `yaml:"printer"`
}

type PrinterConfig struct {
	DevicePath      string   `yaml:"device_path"`
	FallbackPaths   []string `yaml:"fallback_paths"`
	OverrideEnabled bool     `yaml:"override_enabled"`
	Darkness        int      `yaml:"darkness"`
	Speed           int      `yaml:"speed"`
}

type TransportConfig struct {
	Kind        string        `yaml:"kind"` // "socket" or "broker"
	ListenAddr  string        `yaml:"listen_addr"`
	ServerAddr  string        `yaml:"server_addr"`
	RedisURL    string        `yaml:"redis_url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			DatabasePath:        "./data/labelfleet.db",
			APIAddr:             ":8080",
			DispatchTick:        1 * time.Second,
			MinSendInterval:     5 * time.Second,
			SendTimeout:         3 * time.Second,
			RetrySweepInterval:  30 * time.Second,
			ExpirySweepInterval: 1 * time.Hour,
			HeartbeatInterval:   30 * time.Second,
			StaleAfter:          90 * time.Second,
		},
		Agent: AgentConfig{
			QueuePath:       "./data/queue.json",
			QueueCapacity:   100,
			LocalRetryCap:   3,
			LocalRetryDelay: 2 * time.Second,
			ReportInterval:  60 * time.Second,
			Printer: PrinterConfig{
				FallbackPaths: []string{"/dev/usb/lp0", "/dev/usb/lp1", "/dev/usb/lp2"},
				Darkness:      15,
				Speed:         4,
			},
		},
		Transport: TransportConfig{
			Kind:        "socket",
			ListenAddr:  ":9400",
			ServerAddr:  "127.0.0.1:9400",
			RedisURL:    "redis://localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = defaults()
	}

	if v := os.Getenv("LABELFLEET_DB_PATH"); v != "" {
		cfg.Coordinator.DatabasePath = v
	}
	if v := os.Getenv("LABELFLEET_API_ADDR"); v != "" {
		cfg.Coordinator.APIAddr = v
	}
	if v := os.Getenv("LABELFLEET_API_PASSWORD_HASH"); v != "" {
		cfg.Coordinator.APIPasswordHash = v
	}
	if v := os.Getenv("LABELFLEET_REDIS_URL"); v != "" {
		cfg.Transport.RedisURL = v
	}
	if v := os.Getenv("LABELFLEET_DEVICE_ID"); v != "" {
		cfg.Agent.DeviceID = v
	}
	if v := os.Getenv("LABELFLEET_CREDENTIAL"); v != "" {
		cfg.Agent.Credential = v
	}
	if v := os.Getenv("LABELFLEET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Coordinator.DispatchTick <= 0 {
		return fmt.Errorf("dispatch tick must be positive")
	}

	if c.Coordinator.MinSendInterval < 0 {
		return fmt.Errorf("min send interval must be non-negative")
	}

	if c.Coordinator.SendTimeout <= 0 {
		return fmt.Errorf("send timeout must be positive")
	}

	if c.Coordinator.RetrySweepInterval <= 0 {
		return fmt.Errorf("retry sweep interval must be positive")
	}

	if c.Coordinator.ExpirySweepInterval <= 0 {
		return fmt.Errorf("expiry sweep interval must be positive")
	}

	if c.Coordinator.StaleAfter < c.Coordinator.HeartbeatInterval {
		return fmt.Errorf("stale_after must be at least the heartbeat interval")
	}

	if c.Agent.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1")
	}

	if c.Agent.LocalRetryCap < 0 {
		return fmt.Errorf("local retry cap must be non-negative")
	}

	if c.Agent.LocalRetryDelay < 0 {
		return fmt.Errorf("local retry delay must be non-negative")
	}

	if c.Agent.ReportInterval <= 0 {
		return fmt.Errorf("report interval must be positive")
	}

	switch c.Transport.Kind {
	case "socket", "broker":
	default:
		return fmt.Errorf("invalid transport kind: %s (valid: socket, broker)", c.Transport.Kind)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

// NewLogger builds a slog.Logger from the logging section.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
