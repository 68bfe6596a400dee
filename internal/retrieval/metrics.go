package retrieval

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/stratamem/strata/internal/retrieval")

var retrievalsTotal metric.Int64Counter

func init() {
	var err error
	retrievalsTotal, err = meter.Int64Counter("retrieval.queries.total",
		metric.WithDescription("Total retrieval queries scored"))
	if err != nil {
		retrievalsTotal, _ = meter.Int64Counter("retrieval.queries.total.fallback")
	}
}
