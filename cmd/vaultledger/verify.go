package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"VaultLedger/internal/observability"
	"VaultLedger/internal/projection"
	"VaultLedger/internal/query"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func verifyCommand(a *app) *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain, journal balance and custody reconciliation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := observability.NewLogger("verify")

			db, err := openDB(ctx, a.cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()

			if rebuild {
				if err := projection.RebuildProjections(ctx, db); err != nil {
					return fmt.Errorf("rebuild projections: %w", err)
				}
				logger.Info().Msg("projections rebuilt")
			}

			reg, err := a.cfg.Registry()
			if err != nil {
				return err
			}
			qs := query.NewQueryService(db, reg, a.cfg.Core.ContextID, observability.NewMetrics(prometheus.NewRegistry()))
			report, err := qs.VerifyIntegrity(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.IsHealthy {
				return errors.New("integrity check failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild-projections", false, "rebuild projections from the journal before checking")
	return cmd
}
