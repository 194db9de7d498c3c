package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rl1809/flash-drop/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	DBDriver   string
	DBDSN      string
}

// NewRootCommand creates the root command for the flash-drop CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "flashdrop",
		Short:         "Limited-stock drop reservation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.DBDriver, "db-driver", "", "database driver (memory|mysql|postgres|sqlite)")
	cmd.PersistentFlags().StringVar(&opts.DBDSN, "db-dsn", "", "database DSN")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

// loadConfig layers command-line flags over the file and environment.
func loadConfig(opts *RootOptions, flags *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}

	if flags.Changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}
	if flags.Changed("db-driver") {
		cfg.Database.Driver = opts.DBDriver
	}
	if flags.Changed("db-dsn") {
		cfg.Database.DSN = opts.DBDSN
	}
	if err := overrideServeFlags(&cfg, flags); err != nil {
		return config.Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func overrideServeFlags(cfg *config.Config, flags *pflag.FlagSet) error {
	strFlags := map[string]*string{
		"http-addr":     &cfg.HTTPAddr,
		"grpc-addr":     &cfg.GRPCAddr,
		"redis-addr":    &cfg.Redis.Addr,
		"otel-endpoint": &cfg.OtelEndpoint,
	}
	for name, dst := range strFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	durFlags := map[string]*time.Duration{
		"reservation-ttl": &cfg.ReservationTTL,
		"sweep-interval":  &cfg.SweepInterval,
	}
	for name, dst := range durFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetDuration(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if flags.Lookup("kafka-brokers") != nil && flags.Changed("kafka-brokers") {
		v, err := flags.GetStringSlice("kafka-brokers")
		if err != nil {
			return err
		}
		cfg.Kafka.Brokers = v
	}
	return nil
}
