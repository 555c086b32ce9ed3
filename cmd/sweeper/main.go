package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mancanexus/internal/circulation"
	"mancanexus/internal/config"
	"mancanexus/internal/events"
	"mancanexus/internal/lifecycle"
	"mancanexus/internal/lock"
	"mancanexus/internal/store"
	"mancanexus/internal/telemetry"
)

const (
	version     = "0.1.0"
	leaderKey   = "mancanexus:sweeper:leader"
	defaultTick = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.BootstrapLogger(os.Stderr).Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := telemetry.NewLogger(cfg.Dev())
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sweeper stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.RequireDatabase(); err != nil {
		return fmt.Errorf("sweeper needs a shared store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := telemetry.SetupOTel(ctx, cfg.OTLPEndpoint, cfg.ServiceName+"-sweeper", version)
	if err != nil {
		return err
	}
	defer shutdownOTel(context.Background())

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		publisher = p
	}

	svc := lifecycle.NewService(st,
		lifecycle.WithPolicy(circulation.Policy{PeriodDays: cfg.RentalDefaultDays, MaxActive: cfg.RentalMaxActive}),
		lifecycle.WithLogger(logger.Named("lifecycle")),
		lifecycle.WithPublisher(publisher),
		lifecycle.WithSweepBatch(cfg.SweepBatch),
	)

	every := cfg.SweepInterval
	if every <= 0 {
		every = defaultTick
	}

	var leader *lock.Leader
	if cfg.RedisAddr != "" {
		client := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if client == nil {
			logger.Warn("redis unreachable, sweeping without leader election", zap.String("addr", cfg.RedisAddr))
		} else {
			defer client.Close()
			leader = lock.NewLeader(client, leaderKey, 3*every)
			defer leader.Release(context.Background())
		}
	}

	logger.Info("sweeper started", zap.Duration("interval", every), zap.Bool("leader_election", leader != nil))
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		sweep(ctx, svc, leader, logger)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, svc lifecycle.Service, leader *lock.Leader, logger *zap.Logger) {
	if leader != nil {
		held, err := leader.Acquire(ctx)
		if err != nil {
			logger.Warn("leader lease check failed", zap.Error(err))
			return
		}
		if !held {
			logger.Debug("another replica holds the sweep lease")
			return
		}
	}
	n, err := svc.SweepOverdue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("overdue sweep failed", zap.Int("marked", n), zap.Error(err))
		}
		return
	}
	logger.Debug("sweep pass done", zap.Int("marked", n))
}
