package archival

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/stratamem/strata/internal/archival")

var (
	archivesTotal metric.Int64Counter
	restoresTotal metric.Int64Counter
)

func init() {
	var err error
	archivesTotal, err = meter.Int64Counter("archival.operations.total",
		metric.WithDescription("Memories moved into archive tiers"))
	if err != nil {
		archivesTotal, _ = meter.Int64Counter("archival.operations.total.fallback")
	}
	restoresTotal, err = meter.Int64Counter("archival.restores.total",
		metric.WithDescription("Archived memories restored to the live store"))
	if err != nil {
		restoresTotal, _ = meter.Int64Counter("archival.restores.total.fallback")
	}
}
