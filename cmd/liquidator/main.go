package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PerpLiquidator/internal/config"
	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/lease"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/outbound"
	"PerpLiquidator/internal/persistence"
	"PerpLiquidator/internal/query"
	"PerpLiquidator/internal/server"
	"PerpLiquidator/internal/slotfeed"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	log := observability.NewLogger("liquidator")
	log.Info().Msg("PerpLiquidator starting")

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(2)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker(cfg.MaxCycleAge)

	// --- Ledger ---
	signer, err := ledger.LoadKeypairSigner(cfg.KeypairPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.KeypairPath).Msg("load keypair")
		os.Exit(2)
	}
	client, err := ledger.NewRPCClient(cfg.RPC(), log.With().Str("stage", "rpc").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("rpc client")
	}

	lookupCtx, lookupCancel := context.WithTimeout(ctx, 30*time.Second)
	liquidatorUser, err := client.FindUserAccount(lookupCtx, signer.PublicKey())
	lookupCancel()
	if errors.Is(err, ledger.ErrLiquidatorAccountNotFound) {
		log.Error().Err(err).Msg("signer has no user account; initialize one before running")
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("find liquidator user account")
	}
	log.Info().
		Str("signer", signer.PublicKey().String()).
		Str("user", liquidatorUser.String()).
		Str("program", cfg.ProgramID).
		Msg("liquidator identity resolved")

	keeper := core.NewKeeper(client, signer, cfg.Keeper(liquidatorUser), log.With().Str("component", "keeper").Logger(), metrics)
	keeper.OnCycle(func(*core.CycleReport) { healthChecker.RecordCycle(time.Now()) })

	errChan := make(chan error, 10)
	var stops []func()

	// --- Postgres journal ---
	var journal *persistence.JournalReader
	if cfg.PostgresURL != "" {
		db, err := openPostgres(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres")
		}
		defer db.Close()

		journal = persistence.NewJournalReader(db)
		if err := restore(ctx, keeper, journal, log); err != nil {
			log.Fatal().Err(err).Msg("restore from journal")
		}

		worker := persistence.NewJournalWorker(db, 4096, cfg.JournalBatchSize, cfg.JournalFlushTimeout,
			log.With().Str("component", "journal").Logger(), metrics)
		keeper.AddSink(worker)
		keeper.OnCycle(worker.RecordCycle)
		workerDone := make(chan struct{})
		go func() {
			defer close(workerDone)
			if err := worker.Run(context.Background()); err != nil {
				log.Error().Err(err).Msg("journal worker stopped")
			}
		}()
		stops = append(stops, func() {
			worker.Close()
			<-workerDone
		})
	}

	// --- NATS publisher ---
	if cfg.NATSURL != "" {
		nc, js, err := outbound.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		if err := outbound.EnsureStream(ctx, js, log); err != nil {
			log.Fatal().Err(err).Msg("ensure outbound stream")
		}

		publisher := outbound.NewPublisher(js, 4096, log.With().Str("component", "publisher").Logger(), metrics)
		keeper.AddSink(publisher)
		keeper.OnCycle(publisher.RecordCycle)
		pubDone := make(chan struct{})
		go func() {
			defer close(pubDone)
			publisher.Run(context.Background())
		}()
		stops = append(stops, func() {
			publisher.Close()
			<-pubDone
		})
	}

	// --- Redis fleet claims ---
	if cfg.RedisAddr != "" {
		rdb, err := lease.Connect(ctx, cfg.RedisAddr, log)
		if err != nil {
			log.Fatal().Err(err).Msg("redis")
		}
		defer rdb.Close()
		owner := fmt.Sprintf("%s/%s", cfg.InstanceID, signer.PublicKey())
		keeper.SetClaimer(lease.NewRedisClaimer(rdb, owner, cfg.LeaseTTL))
	}

	// --- Slot feed ---
	if cfg.WSEndpoint != "" {
		feed := slotfeed.New(slotfeed.Config{
			URL:                cfg.WSEndpoint,
			MinTriggerInterval: cfg.ScanInterval / 4,
		}, keeper, log.With().Str("component", "slotfeed").Logger(), metrics)
		keeper.SetSlotSource(feed)
		go func() {
			errChan <- feed.Run(ctx)
		}()
	}

	// --- gRPC + HTTP status API ---
	var reader query.OutcomeReader
	if journal != nil {
		reader = journal
	}
	status := query.NewStatusService(keeper, reader, client, cfg.Guard(), cfg.SafetyMarginBps)
	srv := server.New(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		Status:        status,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Log:           log.With().Str("component", "api").Logger(),
	})
	if cfg.GRPCAddr != "" {
		go func() {
			errChan <- srv.StartGRPC(ctx)
		}()
	}
	if cfg.HTTPAddr != "" {
		go func() {
			errChan <- srv.StartHTTP(ctx)
		}()
	}

	// --- Prometheus metrics server ---
	if cfg.MetricsAddr != "" {
		go func() {
			errChan <- serveMetrics(ctx, cfg.MetricsAddr, log)
		}()
	}

	// --- Keeper ---
	keeperCtx, stopKeeper := context.WithCancel(ctx)
	keeperDone := make(chan error, 1)
	go func() {
		keeperDone <- keeper.Run(keeperCtx)
	}()

	healthChecker.SetReady(true)
	srv.SetServing(true)
	log.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpLiquidator ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	case err := <-keeperDone:
		log.Error().Err(err).Msg("keeper exited, shutting down")
		keeperDone <- err
	}

	// --- Graceful shutdown ---
	// The keeper drains first so its last outcomes reach the sinks.
	healthChecker.SetReady(false)
	srv.SetServing(false)
	stopKeeper()
	if err := <-keeperDone; err != nil {
		log.Warn().Err(err).Msg("keeper shutdown")
	}
	for _, stop := range stops {
		stop()
	}
	cancel()

	log.Info().Msg("PerpLiquidator shutdown complete")
}

func openPostgres(ctx context.Context, cfg config.Config, log zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, log).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

// restore warms the recent-outcome cache and resumes the snapshot hash
// chain and slot floor from the journal.
func restore(ctx context.Context, keeper *core.Keeper, journal *persistence.JournalReader, log zerolog.Logger) error {
	warmed, err := keeper.Recent().Warm(ctx, journal)
	if err != nil {
		return fmt.Errorf("warm recent outcomes: %w", err)
	}

	last, err := journal.LastCycle(ctx)
	if err != nil {
		return fmt.Errorf("last cycle: %w", err)
	}
	if last == nil {
		log.Info().Int("recent", warmed).Msg("cold start, no journaled cycle")
		return nil
	}
	tip, err := event.DecodeHash(last.SnapshotHash)
	if err != nil {
		return fmt.Errorf("last cycle hash: %w", err)
	}
	keeper.Resume(tip, last.Slot)

	log.Info().
		Int("recent", warmed).
		Uint64("slot", last.Slot).
		Str("snapshot", last.SnapshotID.String()).
		Msg("restored from journal")
	return nil
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
