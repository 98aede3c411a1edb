package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/turtacn/sentinel/internal/domain/service"
)

// NewMetricsAdapter returns the Prometheus-backed implementation of the domain's
// service.Metrics interface.
func NewMetricsAdapter(reg prometheus.Registerer) service.Metrics {
	return NewMetrics(reg)
}

var _ service.Metrics = (*Metrics)(nil)
