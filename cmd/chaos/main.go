package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mancanexus/internal/catalog"
	"mancanexus/internal/chaos"
	"mancanexus/internal/circulation"
	"mancanexus/internal/config"
	"mancanexus/internal/lifecycle"
	"mancanexus/internal/membership"
	"mancanexus/internal/store"
	"mancanexus/internal/telemetry"
)

func main() {
	duration := flag.Duration("duration", 30*time.Second, "observation window per experiment")
	concurrency := flag.Int("concurrency", 32, "concurrent requests per burst")
	pause := flag.Duration("pause", 5*time.Second, "pause between experiments")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		telemetry.BootstrapLogger(os.Stderr).Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := telemetry.NewLogger(cfg.Dev())
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	policy := circulation.Policy{PeriodDays: cfg.RentalDefaultDays, MaxActive: cfg.RentalMaxActive}
	target := &chaos.Target{
		Lifecycle:   lifecycle.NewService(st, lifecycle.WithPolicy(policy), lifecycle.WithLogger(logger.Named("lifecycle"))),
		Catalog:     catalog.NewService(st, logger.Named("catalog")),
		Members:     membership.NewService(store.MemberRepository(st), logger.Named("membership")),
		Store:       st,
		MaxActive:   policy.MaxActive,
		Concurrency: *concurrency,
		Duration:    *duration,
	}
	if mem, ok := st.(*store.MemStore); ok {
		target.Faults = mem
	}

	engine := chaos.NewEngine(logger)
	chaos.RegisterExperiments(engine, target)

	results, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Lifecycle Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     *pause,
	})
	if err != nil {
		logger.Fatal("game day interrupted", zap.Error(err))
	}
	for _, r := range results {
		if !r.HypothesisHeld {
			logger.Fatal("hypothesis violated", zap.String("experiment", r.ExperimentName), zap.Strings("failed", r.FailedChecks))
		}
	}
	logger.Info("all hypotheses held", zap.Int("experiments", len(results)))
}
