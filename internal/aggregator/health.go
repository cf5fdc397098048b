package aggregator

import (
	"time"

	"karatcalc/internal/transport"
)

// HealthStatus is the composite health of the acquisition layer,
// recomputed on every fetch cycle and never persisted.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthDegraded  HealthStatus = "degraded"
	HealthCritical  HealthStatus = "critical"
)

// Level maps the status onto a numeric gauge value.
func (h HealthStatus) Level() int {
	switch h {
	case HealthExcellent:
		return 0
	case HealthGood:
		return 1
	case HealthDegraded:
		return 2
	default:
		return 3
	}
}

// ComputeHealth classifies combined service metrics.
func ComputeHealth(m transport.ServiceMetrics) HealthStatus {
	switch {
	case m.ErrorRatePct < 5 && m.AverageResponseTimeMs < 500:
		return HealthExcellent
	case m.ErrorRatePct < 15 && m.AverageResponseTimeMs < 1000:
		return HealthGood
	case m.ErrorRatePct < 40 && m.AverageResponseTimeMs < 3000:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// PollInterval returns the next polling interval for a health status.
// When health is excellent a high cache-hit rate stretches the
// interval to save upstream quota; a low hit rate shortens it to keep
// data fresh.
func PollInterval(status HealthStatus, cacheHitRatePct float64) time.Duration {
	switch status {
	case HealthExcellent:
		if cacheHitRatePct >= 70 {
			return 60 * time.Second
		}
		return 30 * time.Second
	case HealthGood:
		return 45 * time.Second
	case HealthDegraded:
		return 90 * time.Second
	default:
		return 180 * time.Second
	}
}
