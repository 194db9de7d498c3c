package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ServiceName    = "flash-drop"
	ServiceVersion = "0.1.0"

	envPrefix = "FLASHDROP_"
)

// Config is the runtime configuration. Values are layered: defaults, then
// an optional YAML file, then FLASHDROP_* environment variables, then flags.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`

	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	TopBuyersLimit int           `yaml:"top_buyers_limit"`

	OtelEndpoint string `yaml:"otel_endpoint"`
	LogLevel     string `yaml:"log_level"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

var drivers = []string{"memory", "mysql", "postgres", "sqlite"}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		Database: DatabaseConfig{Driver: "memory"},
		Redis:    RedisConfig{Channel: "drops"},
		Kafka:    KafkaConfig{Topic: "drop-events"},

		ReservationTTL: 60 * time.Second,
		SweepInterval:  5 * time.Second,
		TopBuyersLimit: 3,
		LogLevel:       "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_CHANNEL", &c.Redis.Channel)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("OTEL_ENDPOINT", &c.OtelEndpoint)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup(envPrefix + "KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RESERVATION_TTL", &c.ReservationTTL},
		{"SWEEP_INTERVAL", &c.SweepInterval},
	}
	for _, d := range durations {
		v, ok := lookup(envPrefix + d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup(envPrefix + "TOP_BUYERS_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sTOP_BUYERS_LIMIT: %w", envPrefix, err)
		}
		c.TopBuyersLimit = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if c.ReservationTTL <= 0 {
		errs = append(errs, errors.New("reservation_ttl must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.TopBuyersLimit <= 0 {
		errs = append(errs, errors.New("top_buyers_limit must be positive"))
	}
	if !validDriver(c.Database.Driver) {
		errs = append(errs, fmt.Errorf("database.driver %q: must be one of %v", c.Database.Driver, drivers))
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn required for driver %q", c.Database.Driver))
	}
	return errors.Join(errs...)
}

func validDriver(name string) bool {
	for _, d := range drivers {
		if d == name {
			return true
		}
	}
	return false
}
