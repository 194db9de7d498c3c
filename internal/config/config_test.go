package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.ReservationTTL)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.TopBuyersLimit)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flashdrop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
database:
  driver: sqlite
  dsn: /tmp/drops.db
reservation_ttl: 2m
kafka:
  brokers: ["k1:9092"]
`), 0o600))

	t.Setenv("FLASHDROP_HTTP_ADDR", ":9100")
	t.Setenv("FLASHDROP_SWEEP_INTERVAL", "750ms")
	t.Setenv("FLASHDROP_KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTPAddr)
	assert.Equal(t, ":50051", cfg.GRPCAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/drops.db", cfg.Database.DSN)
	assert.Equal(t, 2*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 750*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv_BadValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(key string) (string, bool) {
		if key == "FLASHDROP_RESERVATION_TTL" {
			return "soon", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "FLASHDROP_RESERVATION_TTL")

	cfg = Default()
	err = cfg.applyEnv(func(key string) (string, bool) {
		if key == "FLASHDROP_TOP_BUYERS_LIMIT" {
			return "three", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "FLASHDROP_TOP_BUYERS_LIMIT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero ttl", func(c *Config) { c.ReservationTTL = 0 }, "reservation_ttl"},
		{"negative interval", func(c *Config) { c.SweepInterval = -time.Second }, "sweep_interval"},
		{"zero limit", func(c *Config) { c.TopBuyersLimit = 0 }, "top_buyers_limit"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"missing dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
