package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mancanexus/internal/circulation"
	"mancanexus/internal/config"
	"mancanexus/internal/events"
	"mancanexus/internal/lifecycle"
	"mancanexus/internal/server"
	"mancanexus/internal/store"
	"mancanexus/internal/telemetry"
)

const version = "0.1.0"

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
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := telemetry.SetupOTel(ctx, cfg.OTLPEndpoint, cfg.ServiceName, version)
	if err != nil {
		return err
	}
	defer shutdownOTel(context.Background())

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

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

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := server.NewRouter(server.Deps{
		Lifecycle: svc,
		Store:     st,
		Logger:    logger,
		Limiter:   limiter,
	})

	if cfg.SweepInterval > 0 {
		go sweepLoop(ctx, svc, cfg.SweepInterval, logger)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("port", cfg.Port))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func sweepLoop(ctx context.Context, svc lifecycle.Service, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.SweepOverdue(ctx); err != nil && ctx.Err() == nil {
				logger.Error("overdue sweep failed", zap.Error(err))
			}
		}
	}
}
