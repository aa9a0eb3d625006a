package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"payout.settle/internal/api"
	"payout.settle/internal/chain"
	"payout.settle/internal/digest"
	"payout.settle/internal/lock"
	"payout.settle/internal/metrics"
	"payout.settle/internal/notify"
	"payout.settle/internal/settlement"
	"payout.settle/internal/store"
	"payout.settle/internal/store/sqlite"
	"payout.settle/pkg/logging"
)

const leaseKey = "payout:settlement:lease"

func main() {
	envErr := godotenv.Load()
	logger := logging.Setup()
	if envErr != nil {
		logger.Debug("no .env file loaded, using process environment", "error", envErr)
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	client, err := chain.Dial(ctx, chain.Config{
		RPCURL:          cfg.RPCURL,
		ContractAddress: cfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("chain error: %w", err)
	}
	defer client.Close()
	logger.Info("chain client ready", "sender", client.Sender().Hex(), "contract", client.Contract().Hex())

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUser,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis error: %w", err)
		}
	}

	sink := buildSink(cfg, rdb, logger)
	m := metrics.New()

	var locker settlement.Locker = lock.NewLocal()
	if rdb != nil {
		locker = lock.NewRedis(rdb, leaseKey, settlement.LeaseTTL(cfg.Settlement))
	}

	scheduler := settlement.NewScheduler(settlement.Deps{
		Ledger:  ledger,
		Chain:   client,
		Sink:    sink,
		Locker:  locker,
		Metrics: m,
		Logger:  logger,
	}, cfg.Settlement)
	gate := settlement.NewGate(ledger, sink, settlement.GateConfig{
		MinAmount:     cfg.MinAmount,
		PayoutChannel: notify.Recipient(cfg.PayoutChannel),
	}, m, logger)
	recovery := settlement.NewRecovery(ledger, cfg.Settlement.MaxRetries, scheduler.Trigger, logger)

	if cfg.DigestCron != "" {
		job := digest.NewJob(ledger, sink, notify.Recipient(cfg.OperatorChat), m, logger)
		c, err := digest.Start(cfg.DigestCron, job)
		if err != nil {
			return err
		}
		defer c.Stop()
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	srv := api.NewServer(api.Deps{
		Ledger:   ledger,
		Gate:     gate,
		Recovery: recovery,
		Metrics:  m,
		Logger:   logger,
	}, api.Tokens{Service: cfg.AuthToken, Admin: cfg.AdminToken})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr, "ledger", cfg.LedgerDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	<-schedulerDone
	return nil
}

func openLedger(ctx context.Context, cfg config) (store.Ledger, error) {
	if cfg.LedgerDriver == driverSQLite {
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		return s, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db error: %w", err)
	}
	return store.New(pool), nil
}

// buildSink fans messages out to Telegram and the Redis event channel,
// whichever are configured.
func buildSink(cfg config, rdb *redis.Client, logger *slog.Logger) notify.Sink {
	var sinks notify.Fanout
	if cfg.BotToken != "" {
		sinks = append(sinks, notify.NewTelegram(cfg.BotToken))
	}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedisPublisher(rdb, cfg.RedisEventsChannel))
	}
	switch len(sinks) {
	case 0:
		logger.Warn("no notification sink configured, messages are dropped")
		return notify.Discard{}
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}
