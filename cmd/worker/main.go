package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/bootstrap"
	"github.com/Domenick1991/ridedispatch/internal/cache"
	"github.com/Domenick1991/ridedispatch/internal/fare"
	"github.com/Domenick1991/ridedispatch/internal/kafka"
	"github.com/Domenick1991/ridedispatch/internal/logger"
	"github.com/Domenick1991/ridedispatch/internal/notify"
	"github.com/Domenick1991/ridedispatch/internal/service/booking"
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "dispatch-worker",
	Short:         "Expire unanswered broadcasts and deliver booking notifications",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultPath, "configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Logging).WithField("process", "worker")

	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	store, err := bootstrap.OpenStore(ctx, cfg, false, log)
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

	opts := []booking.BookingServiceOption{booking.WithLogger(log)}
	if rdb != nil {
		opts = append(opts, booking.WithCache(cache.NewRedisCache(rdb, cfg.Redis.PendingCacheTTL())))
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

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		booking.NewSweeper(bookingService, cfg.Worker.SweepInterval(), log).Run(ctx)
	}()

	if cfg.Kafka.Enabled() && cfg.Kafka.NotificationsTopic != "" {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationsTopic, log)
		defer consumer.Close()

		notifier := notify.NewNotifier(notify.NewLogSink(log), log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Consume(ctx, notifier.Handle); err != nil {
				log.WithError(err).Error("notification consumer stopped")
				stop()
			}
		}()
	} else {
		log.Warn("kafka not configured; notifications disabled")
	}

	log.Info("worker started")
	<-ctx.Done()
	wg.Wait()
	log.Info("worker stopped")
	return nil
}
