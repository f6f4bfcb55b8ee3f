package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenpay/internal/httpapi"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "TOKENPAY"
	envFile   = ".env"

	flagDatabaseURL        = "database-url"
	flagStoreDriver        = "store"
	flagLogLevel           = "log-level"
	flagHTTPListenAddr     = "http-listen-addr"
	flagAdminListenAddr    = "admin-listen-addr"
	flagAdminToken         = "admin-token"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagAllowedOrigins     = "allowed-origins"
	flagStripeBaseURL      = "stripe-base-url"
	flagStripeTimeout      = "stripe-timeout"
	flagSandboxSecretKey   = "stripe-sandbox-secret-key"
	flagSandboxWebhookKey  = "stripe-sandbox-webhook-secret"
	flagLiveSecretKey      = "stripe-live-secret-key"
	flagLiveWebhookKey     = "stripe-live-webhook-secret"
	flagCheckoutSuccessURL = "checkout-success-url"
	flagCheckoutCancelURL  = "checkout-cancel-url"
	flagRedisAddr          = "redis-addr"
	flagRedisPassword      = "redis-password"
	flagRedisDB            = "redis-db"
	flagInvoiceIssuerName  = "invoice-issuer-name"
	flagInvoiceIssuerAddr  = "invoice-issuer-address"
	flagInvoiceIssuerEmail = "invoice-issuer-email"
	flagReconcileInterval  = "reconcile-interval"
	flagReconcileAge       = "reconcile-age"
	flagReconcileLimit     = "reconcile-limit"
	flagMigrateOnStart     = "migrate-on-start"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"

	defaultDatabaseURL    = "sqlite:///tmp/tokenpay.db"
	defaultAdminAddr      = ":7000"
	defaultReconcileAge   = 15 * time.Minute
	defaultReconcileLimit = 100
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreDriver       string
	LogLevel          string
	AdminListenAddr   string
	AdminToken        string
	MigrateOnStart    bool
	HTTP              httpapi.Config
	Stripe            stripeConfig
	Redis             redisConfig
	Invoice           invoiceIssuerConfig
	ReconcileInterval time.Duration
	ReconcileAge      time.Duration
	ReconcileLimit    int
}

type stripeConfig struct {
	BaseURL              string
	Timeout              time.Duration
	SandboxSecretKey     string
	SandboxWebhookSecret string
	LiveSecretKey        string
	LiveWebhookSecret    string
	SuccessURL           string
	CancelURL            string
}

type redisConfig struct {
	Addr     string
	Password string
	DB       int
}

type invoiceIssuerConfig struct {
	Name    string
	Address string
	Email   string
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database URL (postgres:// or sqlite://)")
	flags.String(flagStoreDriver, storeDriverGorm, "store implementation: gorm or pgx (postgres only)")
	flags.String(flagLogLevel, "info", "log level")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagAdminListenAddr, defaultAdminAddr, "admin gRPC listen address (empty disables)")
	flags.String(flagAdminToken, "", "bearer token required by the admin gRPC service")
	flags.String(flagJWTSigningKey, "", "HS256 key for user bearer tokens")
	flags.String(flagJWTIssuer, "", "expected bearer token issuer")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagStripeBaseURL, "", "Stripe API base URL")
	flags.Duration(flagStripeTimeout, 0, "Stripe request timeout")
	flags.String(flagSandboxSecretKey, "", "Stripe sandbox secret key")
	flags.String(flagSandboxWebhookKey, "", "Stripe sandbox webhook signing secret")
	flags.String(flagLiveSecretKey, "", "Stripe live secret key")
	flags.String(flagLiveWebhookKey, "", "Stripe live webhook signing secret")
	flags.String(flagCheckoutSuccessURL, "", "redirect after a completed hosted checkout")
	flags.String(flagCheckoutCancelURL, "", "redirect after an abandoned hosted checkout")
	flags.String(flagRedisAddr, "", "Redis address for the processed-event cache (empty disables)")
	flags.String(flagRedisPassword, "", "Redis password")
	flags.Int(flagRedisDB, 0, "Redis database")
	flags.String(flagInvoiceIssuerName, "", "seller name printed on invoices")
	flags.String(flagInvoiceIssuerAddr, "", "seller address printed on invoices")
	flags.String(flagInvoiceIssuerEmail, "", "seller email printed on invoices")
	flags.Duration(flagReconcileInterval, 0, "period of the pending-payment sweep inside serve (0 disables)")
	flags.Duration(flagReconcileAge, defaultReconcileAge, "minimum age of pending payments to reconcile")
	flags.Int(flagReconcileLimit, defaultReconcileLimit, "maximum payments per sweep")
	flags.Bool(flagMigrateOnStart, false, "apply postgres migrations before serving")
}

func loadConfig(cmd *cobra.Command) (*runtimeConfig, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg := &runtimeConfig{
		DatabaseURL:     v.GetString(flagDatabaseURL),
		StoreDriver:     strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver))),
		LogLevel:        v.GetString(flagLogLevel),
		AdminListenAddr: v.GetString(flagAdminListenAddr),
		AdminToken:      v.GetString(flagAdminToken),
		MigrateOnStart:  v.GetBool(flagMigrateOnStart),
		HTTP: httpapi.Config{
			ListenAddr:      v.GetString(flagHTTPListenAddr),
			AllowedOrigins:  httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
			TokenSigningKey: v.GetString(flagJWTSigningKey),
			TokenIssuer:     v.GetString(flagJWTIssuer),
		},
		Stripe: stripeConfig{
			BaseURL:              v.GetString(flagStripeBaseURL),
			Timeout:              v.GetDuration(flagStripeTimeout),
			SandboxSecretKey:     v.GetString(flagSandboxSecretKey),
			SandboxWebhookSecret: v.GetString(flagSandboxWebhookKey),
			LiveSecretKey:        v.GetString(flagLiveSecretKey),
			LiveWebhookSecret:    v.GetString(flagLiveWebhookKey),
			SuccessURL:           v.GetString(flagCheckoutSuccessURL),
			CancelURL:            v.GetString(flagCheckoutCancelURL),
		},
		Redis: redisConfig{
			Addr:     v.GetString(flagRedisAddr),
			Password: v.GetString(flagRedisPassword),
			DB:       v.GetInt(flagRedisDB),
		},
		Invoice: invoiceIssuerConfig{
			Name:    v.GetString(flagInvoiceIssuerName),
			Address: v.GetString(flagInvoiceIssuerAddr),
			Email:   v.GetString(flagInvoiceIssuerEmail),
		},
		ReconcileInterval: v.GetDuration(flagReconcileInterval),
		ReconcileAge:      v.GetDuration(flagReconcileAge),
		ReconcileLimit:    v.GetInt(flagReconcileLimit),
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = storeDriverGorm
	}
	if cfg.ReconcileAge <= 0 {
		cfg.ReconcileAge = defaultReconcileAge
	}
	if cfg.ReconcileLimit <= 0 {
		cfg.ReconcileLimit = defaultReconcileLimit
	}
	switch cfg.StoreDriver {
	case storeDriverGorm, storeDriverPgx:
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.StoreDriver)
	}
	return cfg, nil
}
