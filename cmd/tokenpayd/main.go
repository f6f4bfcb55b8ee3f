package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/tokenpay/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenpayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tokenpayd",
		Short:         "Token balance ledger funded through Stripe",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerFlags(cmd.PersistentFlags())
	cmd.AddCommand(newServeCommand(), newMigrateCommand(), newReconcileCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the admin gRPC service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply postgres schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			driver, _, err := resolveDriver(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if driver != driverPostgres {
				return fmt.Errorf("migrate requires a postgres database url; sqlite schemas are created on serve")
			}
			if err := applyMigrations(cfg.DatabaseURL); err != nil {
				return err
			}
			db, err := migration.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			version, dirty, err := migration.Version(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Settle stale pending payments from the gateway's view of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			app, err := buildApplication(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.close()
			report, err := app.payments.ReconcilePending(ctx, cfg.ReconcileAge, cfg.ReconcileLimit)
			if err != nil {
				return err
			}
			app.logger.Info("reconciliation finished",
				zap.Int("checked", report.Checked),
				zap.Int("settled", report.Settled),
				zap.Int("failed", report.Failed),
				zap.Int("still_pending", report.StillPending),
				zap.Int("gateway_errors", report.GatewayErrors),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d settled=%d failed=%d still_pending=%d gateway_errors=%d\n",
				report.Checked, report.Settled, report.Failed, report.StillPending, report.GatewayErrors)
			return nil
		},
	}
}

func runServe(ctx context.Context, cfg *runtimeConfig) error {
	app, err := buildApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()
	return app.serve(ctx, cfg)
}
