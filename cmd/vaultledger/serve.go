package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/custody"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/projection"
	"VaultLedger/internal/query"
	"VaultLedger/internal/relayer"
	"VaultLedger/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCommand(a *app) *cobra.Command {
	var withRelayer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger core with ingestion, persistence and the query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("relayer") {
				a.cfg.Relayer.Enabled = withRelayer
				if err := a.cfg.Validate(); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().BoolVar(&withRelayer, "relayer", false, "run the batch scheduler and settlement loops in-process")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := observability.NewLogger("main")
	logger.Info().Str("context_id", cfg.Core.ContextID).Msg("VaultLedger starting")
	startTime := time.Now()

	// --- Postgres ---
	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	reg, err := cfg.Registry()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure command stream: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}
	if err := custody.EnsureInstructionStream(ctx, js); err != nil {
		return fmt.Errorf("ensure custody stream: %w", err)
	}
	custodian := custody.NewNATSAdapter(nc, js, cfg.NATS.CustodyTimeout, metrics)

	healthChecker.Register("postgres", db.PingContext)
	healthChecker.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	// --- Deterministic core ---
	// The persist channel blocks the core when full; the projection channel drops.
	persistChan := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionChan := make(chan core.CoreOutput, cfg.Channels.Projection)

	deterministicCore, err := core.NewDeterministicCore(cfg.CoreConfig(), core.Deps{
		Registry:  reg,
		Auth:      cfg.Authorizer(),
		Custody:   custodian,
		Transfers: custodian,
		DBChecker: persistence.NewEventLogDedup(db, cfg.Persistence.DedupTimeout),
		Metrics:   metrics,
	}, persistChan, projectionChan)
	if err != nil {
		return err
	}

	snapMgr := persistence.NewSnapshotManager(db)
	report, err := persistence.Recover(ctx, deterministicCore, snapMgr, metrics)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", report.SnapshotSequence).
		Int64("replayed", report.Replayed).
		Int64("sequence", report.Sequence).
		Msg("recovery complete")

	runner := core.NewRunner(deterministicCore, cfg.Channels.Ingest)

	// --- Workers ---
	publishChan := make(chan ingestion.PublishableEvent, cfg.Channels.Publish)
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics)
	// Only durable events are published.
	persistWorker.OnCommit = func(outputs []core.CoreOutput) {
		for _, out := range outputs {
			if out.Envelope == nil {
				continue
			}
			select {
			case publishChan <- ingestion.NewPublishableEvent(out):
			default:
				metrics.PublishDrops.Inc()
			}
		}
	}
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)

	guard := ingestion.ClockGuard{MaxSkew: cfg.Core.MaxClockSkew}
	rawChan := make(chan ingestion.RawEvent, cfg.Channels.Ingest)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, metrics)
	processor := ingestion.NewProcessor(runner, guard, metrics)

	// --- API ---
	queryService := query.NewQueryService(db, reg, cfg.Core.ContextID, metrics)
	ingestService := ingestion.NewGRPCIngestService(runner, cfg.Ingest.RatePerSecond, cfg.Ingest.Burst, guard, metrics)
	grpcServer := server.NewGRPCServer(cfg.Service.GRPCAddr, cfg.Service.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		IngestService: ingestService,
		Runner:        runner,
		SnapshotMgr:   snapMgr,
		StartTime:     startTime,
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})

	g, gctx := errgroup.WithContext(ctx)

	// The runner is the only writer of the core channels; closing them when
	// it exits lets the persistence worker drain and return.
	g.Go(func() error {
		defer close(projectionChan)
		defer close(persistChan)
		return ignoreCanceled(runner.Run(gctx))
	})
	g.Go(func() error {
		// Detached from gctx so a shutdown still flushes the tail.
		err := persistWorker.Run(context.WithoutCancel(gctx))
		close(publishChan)
		return err
	})
	g.Go(func() error { return ignoreCanceled(projWorker.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(publisher.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(processor.Run(gctx, rawChan)) })
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Service.MetricsAddr) })
	g.Go(func() error {
		return ignoreCanceled(persistence.RunPeriodicSnapshots(gctx, runner, snapMgr,
			cfg.Persistence.SnapshotInterval, cfg.Persistence.SnapshotTick, metrics))
	})
	if cfg.Relayer.Enabled {
		r := relayer.New(relayerConfig(a), relayer.NewCoreView(runner), runner, custodian, metrics)
		g.Go(func() error { return r.Run(gctx) })
	}

	if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", report.Sequence).
		Str("grpc", cfg.Service.GRPCAddr).
		Str("http", cfg.Service.HTTPAddr).
		Str("metrics", cfg.Service.MetricsAddr).
		Bool("relayer", cfg.Relayer.Enabled).
		Msg("VaultLedger ready")

	<-gctx.Done()
	logger.Info().Msg("shutting down")
	healthChecker.SetNotReady("shutting down")
	subscriber.Stop()

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}

	// The runner and persistence worker have both exited, so the core is
	// quiescent and every applied event is durable.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if seq, snapErr := persistence.TakeFinalSnapshot(shutdownCtx, deterministicCore, snapMgr, metrics); snapErr != nil {
		logger.Error().Err(snapErr).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	logger.Info().Msg("VaultLedger shutdown complete")
	return err
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
