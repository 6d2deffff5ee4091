package main

import (
	"fmt"

	"VaultLedger/internal/custody"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/relayer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// relayerCommand runs the relayer against a ledger in another process. It
// reads the records tables and submits over the NATS command stream.
func relayerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "relayer",
		Short: "Run the batch scheduler and settlement proposer against a running ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			cfg.Relayer.Enabled = true
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := observability.NewLogger("main")

			db, err := openDB(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()

			nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer nc.Close()
			if err := ingestion.EnsureStreams(ctx, js); err != nil {
				return fmt.Errorf("ensure command stream: %w", err)
			}

			metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
			r := relayer.New(
				relayerConfig(a),
				relayer.NewRecordsView(db),
				ingestion.NewCommandPublisher(js),
				custody.NewNATSAdapter(nc, js, cfg.NATS.CustodyTimeout, metrics),
				metrics,
			)

			logger.Info().Str("address", cfg.Relayer.Address).Msg("standalone relayer starting")
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return r.Run(gctx) })
			g.Go(func() error { return serveMetrics(gctx, cfg.Service.MetricsAddr) })
			return g.Wait()
		},
	}
}

func relayerConfig(a *app) relayer.Config {
	return relayer.Config{
		Address:       a.cfg.Relayer.Address,
		BatchInterval: a.cfg.Relayer.BatchInterval,
		PollInterval:  a.cfg.Relayer.PollInterval,
		Cooldown:      a.cfg.Relayer.Cooldown,
	}
}
