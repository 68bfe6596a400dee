package backup

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/stratamem/strata/internal/backup")

var (
	backupsTotal     metric.Int64Counter
	restoreRunsTotal metric.Int64Counter
)

func init() {
	var err error
	backupsTotal, err = meter.Int64Counter("backup.operations.total",
		metric.WithDescription("Backup creation attempts by kind and outcome"))
	if err != nil {
		backupsTotal, _ = meter.Int64Counter("backup.operations.total.fallback")
	}
	restoreRunsTotal, err = meter.Int64Counter("backup.restores.total",
		metric.WithDescription("Restore runs by outcome"))
	if err != nil {
		restoreRunsTotal, _ = meter.Int64Counter("backup.restores.total.fallback")
	}
}

func recordBackup(ctx context.Context, kind Kind, status Status) {
	backupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", string(status)),
	))
}

func recordRecovery(ctx context.Context, status RecoveryStatus) {
	restoreRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
	))
}
