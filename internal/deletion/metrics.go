package deletion

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/stratamem/strata/internal/deletion")

var (
	deletionsTotal  metric.Int64Counter
	recoveriesTotal metric.Int64Counter
)

func init() {
	var err error
	deletionsTotal, err = meter.Int64Counter("deletion.operations.total",
		metric.WithDescription("Total deletion operations executed"))
	if err != nil {
		deletionsTotal, _ = meter.Int64Counter("deletion.operations.total.fallback")
	}
	recoveriesTotal, err = meter.Int64Counter("deletion.recoveries.total",
		metric.WithDescription("Soft-deleted memories recovered"))
	if err != nil {
		recoveriesTotal, _ = meter.Int64Counter("deletion.recoveries.total.fallback")
	}
}
