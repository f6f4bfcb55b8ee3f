package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":8080"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultTokenIssuer        = "tokenpay"
	defaultRequestTimeout     = 15 * time.Second
	defaultWalletHistoryLimit = 20
	defaultMaxWebhookBytes    = 1 << 20
	shutdownTimeout           = 5 * time.Second
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	TokenSigningKey    string
	TokenIssuer        string
	RequestTimeout     time.Duration
	WalletHistoryLimit int
	MaxWebhookBytes    int64
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.TokenIssuer = defaultIfEmpty(cfg.TokenIssuer, defaultTokenIssuer)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.WalletHistoryLimit <= 0 {
		cfg.WalletHistoryLimit = defaultWalletHistoryLimit
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = defaultMaxWebhookBytes
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if len(cfg.TokenSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
