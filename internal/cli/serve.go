package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/flash-drop/internal/adapter/broadcast"
	"github.com/rl1809/flash-drop/internal/adapter/handler"
	"github.com/rl1809/flash-drop/internal/clock"
	"github.com/rl1809/flash-drop/internal/config"
	"github.com/rl1809/flash-drop/internal/core/service"
	"github.com/rl1809/flash-drop/internal/observability"
	"github.com/rl1809/flash-drop/internal/port"
)

const shutdownTimeout = 5 * time.Second

type ServeOptions struct {
	*RootOptions
	AutoMigrate bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers with the expiry sweeper",
		Long: `Run the drop reservation engine behind HTTP and gRPC.

Events go to the in-process hub (served as SSE on /api/drops/events). With
--redis-addr they are published on Redis and relayed back into every
instance's hub; with --kafka-brokers they are also appended to Kafka.

Example:
  flashdrop serve --db-driver sqlite --db-dsn ./drops.db
  flashdrop serve -c flashdrop.yaml --redis-addr localhost:6379`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts.AutoMigrate)
		},
	}

	cmd.Flags().BoolVar(&opts.AutoMigrate, "auto-migrate", true, "apply schema migrations on startup")
	cmd.Flags().String("http-addr", "", "HTTP listen address")
	cmd.Flags().String("grpc-addr", "", "gRPC listen address")
	cmd.Flags().String("redis-addr", "", "Redis address for cross-instance events")
	cmd.Flags().StringSlice("kafka-brokers", nil, "Kafka brokers for the event log")
	cmd.Flags().String("otel-endpoint", "", "OTLP/HTTP trace collector host:port")
	cmd.Flags().Duration("reservation-ttl", 0, "how long a reservation holds its unit")
	cmd.Flags().Duration("sweep-interval", 0, "expired reservation poll interval")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, autoMigrate bool) error {
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	repo, closeStore, err := openRepository(ctx, cfg.Database, autoMigrate)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.Database.Driver))

	hub := broadcast.NewHub(logger)
	sink, closeSinks, err := buildBroadcaster(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	clk := clock.NewSystem()
	engine := service.NewDropService(repo, sink, clk,
		service.WithReservationTTL(cfg.ReservationTTL),
		service.WithTopBuyersLimit(cfg.TopBuyersLimit),
		service.WithLogger(logger),
	)
	sweeper := service.NewSweeper(repo, engine, clk,
		service.WithSweepInterval(cfg.SweepInterval),
		service.WithSweepLogger(logger),
	)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	grpcServer := grpc.NewServer()
	handler.RegisterDropServiceServer(grpcServer, handler.NewGRPCHandler(engine, logger))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	httpHandler := handler.NewHTTPHandler(engine, hub, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpServer.RegisterOnShutdown(httpHandler.CloseStreams)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	logger.Info("servers stopped")
	return runErr
}

// buildBroadcaster assembles the event sinks. With Redis configured the
// hub is fed by the relay so each event reaches local subscribers once.
func buildBroadcaster(ctx context.Context, cfg config.Config, hub *broadcast.Hub, logger *zap.Logger) (port.Broadcaster, func(), error) {
	var (
		sinks   broadcast.Multi
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, PoolSize: 100})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		rb := broadcast.NewRedisBroadcaster(rdb, cfg.Redis.Channel, logger)
		relayCtx, cancelRelay := context.WithCancel(ctx)
		relayDone := make(chan struct{})
		go func() {
			defer close(relayDone)
			if err := rb.Relay(relayCtx, hub); err != nil {
				logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
		closers = append(closers, func() {
			cancelRelay()
			<-relayDone
			rdb.Close()
		})
		sinks = append(sinks, rb)
		logger.Info("publishing events to redis", zap.String("channel", cfg.Redis.Channel))
	} else {
		sinks = append(sinks, hub)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kb := broadcast.NewKafkaBroadcaster(broadcast.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		closers = append(closers, func() {
			if err := kb.Close(); err != nil {
				logger.Warn("kafka writer close", zap.Error(err))
			}
		})
		sinks = append(sinks, kb)
		logger.Info("appending events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}
