package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/auth"
	"github.com/Domenick1991/ridedispatch/internal/bootstrap"
	"github.com/Domenick1991/ridedispatch/internal/cache"
	"github.com/Domenick1991/ridedispatch/internal/fare"
	"github.com/Domenick1991/ridedispatch/internal/logger"
	"github.com/Domenick1991/ridedispatch/internal/metrics"
	"github.com/Domenick1991/ridedispatch/internal/service/booking"
	"github.com/Domenick1991/ridedispatch/internal/service/vehicles"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "dispatch",
	Short:         "Ride dispatch API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var initSchema bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API and the websocket push channel",
	RunE:  serve,
}

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultPath, "configuration file")
	serveCmd.Flags().BoolVar(&initSchema, "init-schema", false, "create tables and indexes before serving")
	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Logging)

	store, err := bootstrap.OpenStore(ctx, cfg, initSchema, log)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	fanout, err := bootstrap.NewFanout(cfg, rdb, log)
	if err != nil {
		return err
	}
	defer fanout.Close()
	fanout.Start(ctx, log)

	recorder, err := metrics.NewPromRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []booking.BookingServiceOption{
		booking.WithMetrics(recorder),
		booking.WithLogger(log),
	}
	health := map[string]bootstrap.HealthCheck{"database": store.Ping}
	if rdb != nil {
		redisCache := cache.NewRedisCache(rdb, cfg.Redis.PendingCacheTTL())
		opts = append(opts, booking.WithCache(redisCache))
		health["redis"] = redisCache.Ping
	}
	if fanout.Producer != nil {
		health["kafka"] = fanout.Producer.CheckConnection
	}

	bookingService := booking.NewBookingService(
		store.Bookings,
		store.Vehicles,
		store.Drivers,
		fare.NewHaversineEstimator(cfg.Fare),
		fanout.Publisher,
		cfg.Booking,
		opts...,
	)

	if cfg.Worker.Embedded {
		go booking.NewSweeper(bookingService, cfg.Worker.SweepInterval(), log).Run(ctx)
	}

	return bootstrap.Run(ctx, cfg.HTTP, bootstrap.Deps{
		Bookings: bookingService,
		Vehicles: vehicles.NewVehicleService(store.Vehicles),
		Topics:   fanout.Hub,
		Verifier: auth.NewManager(cfg.Auth),
		Gatherer: prometheus.DefaultGatherer,
		Health:   health,
		Log:      log,
	})
}
