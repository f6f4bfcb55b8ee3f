package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenpay/internal/eventcache"
	"github.com/MarkoPoloResearchLab/tokenpay/internal/gateway/stripe"
	"github.com/MarkoPoloResearchLab/tokenpay/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/tokenpay/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tokenpay/internal/invoicepdf"
	"github.com/MarkoPoloResearchLab/tokenpay/internal/observability"
	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type application struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	payments *ledger.PaymentService
	webhooks *ledger.WebhookProcessor
	closers  []func()
}

func buildApplication(ctx context.Context, cfg *runtimeConfig) (_ *application, err error) {
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	app := &application{logger: logger, registry: prometheus.NewRegistry()}
	app.closers = append(app.closers, func() { _ = logger.Sync() })
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := observability.NewRecorder(logger, app.registry)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeStore)

	service, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() }, ledger.WithOperationLogger(recorder))
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	gateway, err := stripe.NewClient(stripe.Config{
		BaseURL: cfg.Stripe.BaseURL,
		Timeout: cfg.Stripe.Timeout,
		Sandbox: stripe.Credentials{SecretKey: cfg.Stripe.SandboxSecretKey, WebhookSecret: cfg.Stripe.SandboxWebhookSecret},
		Live:    stripe.Credentials{SecretKey: cfg.Stripe.LiveSecretKey, WebhookSecret: cfg.Stripe.LiveWebhookSecret},
	})
	if err != nil {
		return nil, fmt.Errorf("stripe client init: %w", err)
	}
	app.payments, err = ledger.NewPaymentService(service, gateway, ledger.CheckoutURLs{
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("payment service init: %w", err)
	}

	webhookOptions := []ledger.WebhookOption{}
	if cfg.Redis.Addr != "" {
		client, err := eventcache.Connect(ctx, eventcache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = client.Close() })
		webhookOptions = append(webhookOptions, ledger.WithEventDeduplicator(eventcache.New(client, eventcache.DefaultTTL)))
	}
	app.webhooks, err = ledger.NewWebhookProcessor(app.payments, webhookOptions...)
	if err != nil {
		return nil, fmt.Errorf("webhook processor init: %w", err)
	}
	return app, nil
}

func (app *application) close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		app.closers[index]()
	}
}

// serve runs the HTTP API, the admin service and the optional sweep until ctx ends or one of them fails.
func (app *application) serve(ctx context.Context, cfg *runtimeConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	renderer := invoicepdf.NewRenderer(invoicepdf.Issuer{
		Name:    cfg.Invoice.Name,
		Address: cfg.Invoice.Address,
		Email:   cfg.Invoice.Email,
	})
	runners := []func(context.Context) error{
		func(ctx context.Context) error {
			return httpapi.Run(ctx, cfg.HTTP, httpapi.Dependencies{
				Payments: app.payments,
				Webhooks: app.webhooks,
				Invoices: renderer,
				Metrics:  promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
				Logger:   app.logger,
			})
		},
	}
	if cfg.AdminListenAddr != "" {
		admin, err := grpcserver.NewAdminServer(app.payments)
		if err != nil {
			return err
		}
		runners = append(runners, func(ctx context.Context) error {
			return grpcserver.Serve(ctx, cfg.AdminListenAddr, admin, cfg.AdminToken, app.logger)
		})
	}
	if cfg.ReconcileInterval > 0 {
		runners = append(runners, func(ctx context.Context) error {
			app.reconcileLoop(ctx, cfg.ReconcileInterval, cfg.ReconcileAge, cfg.ReconcileLimit)
			return nil
		})
	}

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(run func(context.Context) error) {
			errCh <- run(ctx)
		}(runner)
	}
	var firstErr error
	for range runners {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func (app *application) reconcileLoop(ctx context.Context, interval time.Duration, olderThan time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := app.payments.ReconcilePending(ctx, olderThan, limit)
			if err != nil {
				app.logger.Warn("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if report.Checked > 0 {
				app.logger.Info("reconciliation sweep",
					zap.Int("checked", report.Checked),
					zap.Int("settled", report.Settled),
					zap.Int("failed", report.Failed),
					zap.Int("still_pending", report.StillPending),
					zap.Int("gateway_errors", report.GatewayErrors),
				)
			}
		}
	}
}
