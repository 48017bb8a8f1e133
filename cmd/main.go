package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lib/pq"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirphl/limit-escrow/internal/api"
	"github.com/amirphl/limit-escrow/internal/config"
	"github.com/amirphl/limit-escrow/internal/db"
	"github.com/amirphl/limit-escrow/internal/db/conf"
	"github.com/amirphl/limit-escrow/internal/engine"
	"github.com/amirphl/limit-escrow/internal/journal"
	"github.com/amirphl/limit-escrow/internal/ledger"
	"github.com/amirphl/limit-escrow/internal/notifier"
	"github.com/amirphl/limit-escrow/internal/pending"
	"github.com/amirphl/limit-escrow/internal/utils"
	"github.com/amirphl/limit-escrow/internal/venue"
)

func main() {
	cfg := config.MustLoadConfig()

	utils.SetLogFile(cfg.LogFile)
	logger := utils.GetLogger()
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("limit-escrow stopped", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Starting limit-escrow",
		zap.String("venue", cfg.Venue),
		zap.String("owner", cfg.Owner),
		zap.Uint64("fee_divisor", cfg.FeeDivisor),
		zap.String("clear_mode", cfg.ClearMode))

	var closers []func() error
	defer func() {
		var group errs.Group
		for i := len(closers) - 1; i >= 0; i-- {
			group.Add(closers[i]())
		}
		err = errs.Combine(err, group.Err())
	}()

	var alerts notifier.Notifier = notifier.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		alerts = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.ProxyURL, cfg.NotificationRetries, cfg.NotificationDelay)
	}

	var storage db.Storage
	err = alerts.RetryWithNotification(func() (err error) {
		storage, err = openStorage(ctx, cfg, logger)
		return err
	}, "open order storage")
	if err != nil {
		return err
	}

	var swaps pending.Store = pending.NewMemory()
	if cfg.PendingDir != "" {
		store, err := pending.OpenPebble(cfg.PendingDir)
		if err != nil {
			return fmt.Errorf("failed to open pending store: %w", err)
		}
		closers = append(closers, store.Close)
		swaps = store
		logger.Info("Pending swaps persisted", zap.String("dir", cfg.PendingDir))
	}

	book := ledger.NewMemory(ledger.Address(cfg.Custody))
	for _, b := range cfg.Balances {
		p, err := b.Parse()
		if err != nil {
			return err
		}
		book.Mint(b.Account, p.Asset, p.Amount)
	}

	events := journal.Tee{storage}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := journal.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, publisher.Close)
		events = append(events, publisher)
		logger.Info("Publishing events to Kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	var stream *journal.Broadcaster
	if cfg.HTTPAddr != "" {
		stream = journal.NewBroadcaster(256)
		closers = append(closers, stream.Close)
		events = append(events, stream)
	}

	venueAddr := ledger.Address(cfg.VenueAddress)
	var (
		v      venue.Venue
		mock   *venue.Mock
		wallex *venue.Wallex
	)
	switch cfg.Venue {
	case config.VenueWallex:
		wallex = venue.NewWallex(cfg.WallexAPIKey, venueAddr, book, cfg.Markets, cfg.WallexPollInterval, logger)
		v = wallex
	default:
		mock = venue.NewMock(config.VenueMock, venueAddr, book, logger)
		for _, r := range cfg.MockRates {
			rate, err := r.Decimal()
			if err != nil {
				return err
			}
			mock.SetRate(r.In, r.Out, rate)
		}
		v = mock
	}

	eng, err := engine.New(logger, cfg.Engine(), engine.Deps{
		Store:    storage,
		Pending:  swaps,
		Ledger:   book,
		Journal:  events,
		Notifier: alerts,
		Venues:   []venue.Venue{v},
	})
	if err != nil {
		return err
	}

	inFlight, err := eng.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending swaps: %w", err)
	}
	if inFlight > 0 {
		logger.Warn("Swaps were in flight at startup", zap.Int("count", inFlight))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		select {
		case err := <-eng.Fatal():
			logger.Error("Swap failure requires custody verification, halting", zap.Error(err))
			return err
		case <-gctx.Done():
			return nil
		}
	})

	if mock != nil {
		g.Go(func() error { return mock.Run(gctx, cfg.MockResolveEvery) })
	}
	if wallex != nil {
		g.Go(func() error { return wallex.Run(gctx) })
	}

	if cfg.HTTPAddr != "" {
		server := api.NewServer(logger, eng, storage, stream)
		g.Go(func() error { return server.Run(gctx, cfg.HTTPAddr) })
	}

	if cfg.ExecuteInterval > 0 {
		operator := ledger.Address(cfg.Owner)
		if len(cfg.Operators) > 0 {
			operator = ledger.Address(cfg.Operators[0])
		}
		executor := engine.NewExecutor(logger, eng, operator, venueAddr, cfg.ExecuteInterval)
		g.Go(func() error { return executor.Run(gctx) })
	}

	return g.Wait()
}

func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (db.Storage, error) {
	if cfg.DBConnStr == "" {
		logger.Warn("DB_CONN_STR not set, orders are kept in memory")
		return db.NewMemory(), nil
	}

	if cfg.RunMigration {
		if err := runMigrations(ctx, cfg.DBConnStr, logger); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, fmt.Errorf("failed to create DB config: %w", err)
	}
	storage, err := db.New(*dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("Connected to Postgres")
	return storage, nil
}

// runMigrations creates the database if it doesn't exist and applies schema.sql.
func runMigrations(ctx context.Context, connStr string, logger *zap.Logger) error {
	logger.Info("Running database migrations")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	base := *u
	base.Path = "/postgres"
	baseDB, err := sql.Open("postgres", base.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		logger.Info("Creating database", zap.String("name", dbName))
		if _, err := baseDB.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	target, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer target.Close()

	schemaPath, err := conf.FindSchema()
	if err != nil {
		return err
	}
	schemaSQL, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if err := conf.ApplySchema(target, string(schemaSQL)); err != nil {
		return err
	}

	logger.Info("Database migrations completed successfully")
	return nil
}
