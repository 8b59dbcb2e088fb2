package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/gatherly/services/ticketing/config"
	"example.com/gatherly/services/ticketing/internal/escrow"
	"example.com/gatherly/services/ticketing/internal/eventbus"
	"example.com/gatherly/services/ticketing/internal/lifecycle"
	"example.com/gatherly/services/ticketing/internal/messaging"
	"example.com/gatherly/services/ticketing/internal/repositories"
	"example.com/gatherly/services/ticketing/internal/ticketing"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to deliver domain events, run lifecycle sweeps and reconcile stakes against the escrow ledger`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	stakeCache := initCache(cfg)

	// Initialize repositories and the domain event bus
	eventRepo := repositories.NewEventRepository(db, readOnlyDB)
	ticketRepo := repositories.NewTicketRepository(db, readOnlyDB)
	domainEventRepo := repositories.NewDomainEventRepository(db, readOnlyDB)
	offsetRepo := repositories.NewOffsetRepository(db)
	bus := eventbus.NewBus(domainEventRepo)

	// Initialize engines
	lifecycleEngine := lifecycle.NewEngine(eventRepo, ticketRepo, bus)
	ticketingEngine := ticketing.NewEngine(ticketRepo, eventRepo, bus)

	// Initialize the escrow ledger client and settlement coordinator
	ledger, err := initLedger(ctx, cfg)
	if err != nil {
		return err
	}
	coordinator := escrow.NewCoordinator(
		ticketingEngine, ticketRepo, eventRepo, ledger, stakeCache, escrowOptions(cfg))

	// Initialize the dispatcher with the settlement consumer
	dispatcher := eventbus.NewDispatcher(domainEventRepo, offsetRepo)
	dispatcher.Register(escrow.ConsumerName, coordinator.HandlerMap())

	// Register the platform relay consumer when a queue is configured
	if cfg.ServiceBus.ConnectionString != "" {
		busClient, err := messaging.NewServiceBusClient(cfg.ServiceBus, "ticketing-worker")
		if err != nil {
			return err
		}
		defer busClient.Close()

		relay := messaging.NewRelay(busClient)
		dispatcher.Register(messaging.RelayConsumerName, relay.HandlerMap())
	} else {
		log.Warn().Msg("Service Bus connection string not set, platform relay disabled")
	}

	// Start the domain event dispatcher
	g.Go(func() error {
		log.Info().Msg("Starting domain event dispatcher")
		return dispatcher.Run(ctx)
	})

	// Start the scheduled sweeps
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Lifecycle sweep moves events into live and ended on schedule.
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.SweepInterval),
			gocron.NewTask(func() {
				if err := lifecycleEngine.Sweep(ctx, time.Now().UTC()); err != nil {
					log.Error().Err(err).Msg("Lifecycle sweep failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Reconciliation re-derives stuck tickets from the ledger's record.
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.ReconcileInterval),
			gocron.NewTask(func() {
				if err := coordinator.Reconcile(ctx, time.Now().UTC()); err != nil {
					log.Error().Err(err).Msg("Stake reconciliation failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		log.Info().
			Dur("sweep_interval", cfg.Worker.SweepInterval).
			Dur("reconcile_interval", cfg.Worker.ReconcileInterval).
			Msg("Starting scheduled sweeps")
		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
