// Package observability builds the zap logger and the prometheus-backed operation recorder.
package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	metricsNamespace = "tokenpay"
	labelOperation   = "operation"
	labelStatus      = "status"
	labelOutcome     = "outcome"
	labelMode        = "mode"
)

// NewLogger returns a production JSON logger at the given level ("debug", "info", "warn", "error").
func NewLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.TrimSpace(level) != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(parsed)
	}
	return config.Build()
}

// Recorder implements ledger.OperationLogger by logging each operation and counting it.
type Recorder struct {
	logger     *zap.Logger
	operations *prometheus.CounterVec
	webhooks   *prometheus.CounterVec
}

// NewRecorder registers the operation counters on registerer.
func NewRecorder(logger *zap.Logger, registerer prometheus.Registerer) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "operations_total",
		Help:      "Ledger and payment operations by operation, status and outcome.",
	}, []string{labelOperation, labelStatus, labelOutcome})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "webhook_events_total",
		Help:      "Webhook deliveries by mode, status and outcome.",
	}, []string{labelMode, labelStatus, labelOutcome})
	if registerer != nil {
		for _, collector := range []prometheus.Collector{operations, webhooks} {
			if err := registerer.Register(collector); err != nil {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
		}
	}
	return &Recorder{logger: logger, operations: operations, webhooks: webhooks}, nil
}

// LogOperation satisfies ledger.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.operations.WithLabelValues(entry.Operation, entry.Status, entry.Outcome).Inc()
	if entry.Operation == ledger.OperationWebhook {
		recorder.webhooks.WithLabelValues(entry.Mode.String(), entry.Status, entry.Outcome).Inc()
	}

	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if !entry.PaymentID.IsZero() {
		fields = append(fields, zap.String("payment_id", entry.PaymentID.String()))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Mode != "" {
		fields = append(fields, zap.String("mode", entry.Mode.String()))
	}
	if entry.Amount != "" {
		fields = append(fields, zap.String("amount", entry.Amount))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		recorder.logger.Warn("operation failed", fields...)
		return
	}
	recorder.logger.Info("operation", fields...)
}
