package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"crashpool/internal/cache"
	"crashpool/internal/config"
	"crashpool/internal/database"
	"crashpool/internal/events"
	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
	"crashpool/internal/game"
	"crashpool/internal/logger"
	"crashpool/internal/server"
)

const SINK_BUFFER = 4096

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := events.NewBus(cfg.ReplayRounds, log)
	if err != nil {
		log.Fatal("[SERVER] event bus", zap.Error(err))
	}

	// Redis
	redisSvc, err := cache.New(cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, log)
	if err != nil {
		if cfg.WalletBackend == "redis" {
			log.Fatal("[SERVER] Redis is required for the redis wallet", zap.Error(err))
		}
		log.Warn("[SERVER] Redis unavailable, running without event fan-out", zap.Error(err))
		redisSvc = nil
	}

	var (
		wallet  game.Wallet
		deposit server.DepositFunc
	)
	switch cfg.WalletBackend {
	case "memory":
		mw := game.NewMemoryWallet()
		wallet = mw
		deposit = func(_ context.Context, account string, asset game.Asset, amount fixedpoint.Amount) error {
			return mw.Deposit(account, asset, amount)
		}
	case "redis":
		rw := cache.NewRedisWallet(redisSvc.GetClient())
		wallet = rw
		deposit = rw.Deposit
	default:
		log.Fatal("[SERVER] unknown wallet backend", zap.String("backend", cfg.WalletBackend))
	}

	// Postgres archive
	var (
		db      database.Service
		archive *database.RoundArchive
	)
	if cfg.ArchiveEnabled {
		db, err = openArchive(ctx, cfg, log)
		if err != nil {
			log.Warn("[SERVER] Postgres unavailable, round history disabled", zap.Error(err))
			db = nil
		} else {
			archive = database.NewRoundArchive(db.Pool(), log)
		}
	}

	var maxCrash fixedpoint.Multiplier
	if cfg.MaxCrashMultiplier != "" {
		if maxCrash, err = fixedpoint.ParseMultiplier(cfg.MaxCrashMultiplier); err != nil {
			log.Fatal("[SERVER] MAX_CRASH_MULTIPLIER", zap.Error(err))
		}
	}
	engine, err := game.NewEngine(game.CasinoConfig{
		Admin:              cfg.AdminID,
		Operator:           cfg.OperatorID,
		MaxCrashMultiplier: maxCrash,
		BettingWindow:      cfg.BettingWindow,
		MaxBetsPerRound:    cfg.MaxBetsPerRound,
		Curve:              fairness.Curve{K: cfg.CurveK, Growth: cfg.CurveGrowth},
	}, wallet, bus, log)
	if err != nil {
		log.Fatal("[SERVER] engine", zap.Error(err))
	}
	if err := engine.Initialize(cfg.AdminID, cfg.HouseEdgeBps, fixedpoint.Amount(cfg.MinBet), fixedpoint.Amount(cfg.MaxBet)); err != nil {
		log.Fatal("[SERVER] initialize casino", zap.Error(err))
	}

	// Sinks
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	var (
		sinks      []events.Sink
		unsubs     []func()
		forwarders sync.WaitGroup
	)
	attach := func(sink events.Sink, filter func(events.Event) bool) {
		ch, cancel := bus.Subscribe(SINK_BUFFER, filter)
		sinks = append(sinks, sink)
		unsubs = append(unsubs, cancel)
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			events.Forward(sinkCtx, ch, sink, log)
		}()
		log.Info("[SERVER] event sink attached", zap.String("sink", sink.Name()))
	}
	if redisSvc != nil {
		attach(events.NewRedisSink(redisSvc.GetClient(), cfg.EventsChannel), nil)
	}
	if cfg.KafkaBrokers != "" {
		attach(events.NewKafkaSink(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic), events.IsSettlement)
	}
	if archive != nil {
		attach(archive, func(e events.Event) bool { return e.Kind == events.KindRoundResolved })
	}

	srv := server.New(server.Deps{
		Engine:    engine,
		Bus:       bus,
		Wallet:    wallet,
		Deposit:   deposit,
		Cache:     redisSvc,
		DB:        db,
		Archive:   archive,
		Log:       log,
		RateLimit: cfg.RateLimit,
	})
	srv.RegisterFiberRoutes()

	var dealer *game.Dealer
	if cfg.DealerEnabled {
		dealer = game.NewDealer(engine, bus, game.DealerConfig{
			Operator:     cfg.OperatorID,
			BettingTime:  cfg.BettingWindow,
			TickInterval: cfg.TickInterval,
			Intermission: cfg.Intermission,
		}, log)
		dealer.Start()
	}

	go func() {
		addr := fmt.Sprintf(":%s", cfg.HTTPPort)
		log.Info("[SERVER] listening", zap.String("addr", addr))
		if err := srv.Listen(addr); err != nil {
			log.Error("[SERVER] listener stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	if dealer != nil {
		dealer.Stop()
	}
	if err := srv.Shutdown(); err != nil {
		log.Warn("[SERVER] shutdown", zap.Error(err))
	}
	// Closing the subscriptions lets each forwarder drain what is queued.
	for _, unsub := range unsubs {
		unsub()
	}
	forwarders.Wait()
	stopSinks()
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			log.Warn("[SERVER] closing sink", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
	if redisSvc != nil {
		redisSvc.Close()
	}
	if db != nil {
		db.Close()
	}
	log.Info("[SERVER] stopped")
}

// openArchive migrates the schema and connects the archive pool.
func openArchive(ctx context.Context, cfg config.Config, log *zap.Logger) (database.Service, error) {
	sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	if err := database.RunMigrations(sqlDB, cfg.MigrationsPath); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database.New(ctx, cfg.PostgresDSN, log)
}
