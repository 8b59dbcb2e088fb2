package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/gatherly/services/ticketing/config"
	"example.com/gatherly/services/ticketing/internal/api"
	"example.com/gatherly/services/ticketing/internal/cache"
	"example.com/gatherly/services/ticketing/internal/chain"
	"example.com/gatherly/services/ticketing/internal/escrow"
	"example.com/gatherly/services/ticketing/internal/eventbus"
	"example.com/gatherly/services/ticketing/internal/lifecycle"
	"example.com/gatherly/services/ticketing/internal/metrics"
	"example.com/gatherly/services/ticketing/internal/models"
	"example.com/gatherly/services/ticketing/internal/repositories"
	"example.com/gatherly/services/ticketing/internal/ticketing"
	"example.com/gatherly/services/ticketing/internal/tracing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server handling event, ticket and stake operations`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	stakeCache := initCache(cfg)

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.NewDisabledTracer()
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize repositories and the domain event bus
	eventRepo := repositories.NewEventRepository(db, readOnlyDB)
	ticketRepo := repositories.NewTicketRepository(db, readOnlyDB)
	domainEventRepo := repositories.NewDomainEventRepository(db, readOnlyDB)
	bus := eventbus.NewBus(domainEventRepo)

	// Initialize engines
	lifecycleEngine := lifecycle.NewEngine(eventRepo, ticketRepo, bus)
	ticketingEngine := ticketing.NewEngine(ticketRepo, eventRepo, bus)

	// Initialize the escrow ledger client
	ledger, err := initLedger(ctx, cfg)
	if err != nil {
		return err
	}

	coordinator := escrow.NewCoordinator(
		ticketingEngine, ticketRepo, eventRepo, ledger, stakeCache, escrowOptions(cfg))

	// Initialize and start the server
	server := api.NewServer(cfg, lifecycleEngine, ticketingEngine, coordinator, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}

	// Higher limits for read operations
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}

func initCache(cfg config.Config) cache.Cache {
	if !cfg.Redis.Enabled {
		log.Info().Msg("Redis disabled, using in-memory stake cache")
		return cache.NewMemoryCache()
	}
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, falling back to in-memory stake cache")
		return cache.NewMemoryCache()
	}
	return redisCache
}

func initLedger(ctx context.Context, cfg config.Config) (escrow.Ledger, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := chain.Dial(dialCtx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to chain RPC")
	}

	ledger, err := escrow.NewEVMLedger(dialCtx, client,
		common.HexToAddress(cfg.Chain.LedgerAddress), cfg.Chain.PlatformKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind escrow ledger contract")
	}
	return ledger, nil
}

func escrowOptions(cfg config.Config) escrow.Options {
	opts := escrow.DefaultOptions()
	if cfg.Escrow.MinConfirmations > 0 {
		opts.MinConfirmations = cfg.Escrow.MinConfirmations
	}
	if cfg.Escrow.RefundCutoff > 0 {
		opts.RefundCutoff = cfg.Escrow.RefundCutoff
	}
	if cfg.Escrow.CallTimeout > 0 {
		opts.CallTimeout = cfg.Escrow.CallTimeout
	}
	if cfg.Escrow.MaxRetries > 0 {
		opts.MaxRetries = cfg.Escrow.MaxRetries
	}
	if cfg.Escrow.RetryBaseDelay > 0 {
		opts.RetryBaseDelay = cfg.Escrow.RetryBaseDelay
	}
	if cfg.Escrow.ReconcileAfter > 0 {
		opts.ReconcileAfter = cfg.Escrow.ReconcileAfter
	}
	if cfg.Escrow.StakeCacheTTL > 0 {
		opts.StakeCacheTTL = cfg.Escrow.StakeCacheTTL
	}
	return opts
}
